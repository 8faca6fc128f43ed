package feed

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weeebdev/2gis2traccar/internal/model"
)

// decode parses one frame. skip=true means a well-formed frame of a kind the
// bridge ignores. An error means a malformed or invalid frame; the caller
// reports it and keeps reading.
func decode(raw []byte) (state *model.FriendState, skip bool, err error) {
	var frame model.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, false, fmt.Errorf("frame: %w", err)
	}
	if frame.Type != model.FrameTypeFriendState {
		return nil, true, nil
	}

	var fs model.FriendState
	if err := json.Unmarshal(frame.Payload, &fs); err != nil {
		return nil, false, fmt.Errorf("friendState payload: %w", err)
	}
	if strings.TrimSpace(fs.ID) == "" {
		return nil, false, fmt.Errorf("friendState: missing field: id")
	}
	return &fs, false, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
