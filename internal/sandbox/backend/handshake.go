package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"agentarena/internal/sandbox/stream"
	appErr "agentarena/pkg/errors"
)

// Handshake frames.
const (
	MountRequestPrefix = "MOUNTREQUEST_"
	NoMountRequest     = "NOMOUNTREQUEST_"
	SwapOn             = "SWAPON"
	Mounted            = "MOUNTED"
)

// MountRequest asks the guest to mount the volume with the given UUID.
// It is encoded as a [uuid, path, readOnly] tuple.
type MountRequest struct {
	UUID     string
	Path     string
	ReadOnly bool
}

func (m MountRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.UUID, m.Path, m.ReadOnly})
}

func (m *MountRequest) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 3 {
		return fmt.Errorf("mount request must have 3 fields, got %d", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &m.UUID); err != nil {
		return fmt.Errorf("mount uuid: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &m.Path); err != nil {
		return fmt.Errorf("mount path: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &m.ReadOnly); err != nil {
		return fmt.Errorf("mount read-only flag: %w", err)
	}
	return nil
}

// Negotiation is the runtime mount negotiation of sandboxes whose volumes are
// attached as drives.
type Negotiation struct {
	Mounts []MountRequest
}

// Handshake performs the first exchange on a new guest connection. A nil
// negotiation sends the no-mount sentinel used when volumes are bound at
// creation time. Otherwise the mount list and the swap command are sent and
// the guest must answer MOUNTED.
func Handshake(ctx context.Context, s *stream.Stream, n *Negotiation) error {
	if n == nil {
		if err := s.SendFullMessage(ctx, []byte(NoMountRequest)); err != nil {
			return appErr.Wrapf(err, appErr.SandboxHandshakeFail, "send no-mount sentinel failed: %v", err)
		}
		return nil
	}

	mounts := n.Mounts
	if mounts == nil {
		mounts = []MountRequest{}
	}
	payload, err := json.Marshal(mounts)
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxHandshakeFail, "encode mount request failed")
	}
	if err := s.SendPrefixedFullMessage(ctx, []byte(MountRequestPrefix), payload); err != nil {
		return appErr.Wrapf(err, appErr.SandboxHandshakeFail, "send mount request failed: %v", err)
	}
	if err := s.SendFullMessage(ctx, []byte(SwapOn)); err != nil {
		return appErr.Wrapf(err, appErr.SandboxHandshakeFail, "send swap command failed: %v", err)
	}
	if err := s.ExpectExactMsg(ctx, []byte(Mounted)); err != nil {
		return appErr.Wrapf(err, appErr.SandboxHandshakeFail, "guest did not confirm mounts: %v", err)
	}
	return nil
}
