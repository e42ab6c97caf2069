package host

import (
	"context"
	"errors"

	"mcphost-go/internal/hosterr"
	"mcphost-go/internal/vault"
)

// sentinels survive masking so callers can still match on them
var sentinels = []error{
	hosterr.ErrTokenExpired,
	hosterr.ErrTokenUnknown,
	hosterr.ErrPermissionDenied,
	hosterr.ErrCapabilityNotFound,
	hosterr.ErrAccessDenied,
	hosterr.ErrNotConnected,
	hosterr.ErrInvocationTimeout,
	hosterr.ErrConnectTimeout,
	hosterr.ErrUnresolved,
	vault.ErrUnknownCredential,
	vault.ErrClosed,
	context.Canceled,
	context.DeadlineExceeded,
}

// maskedError carries a masked message. It unwraps only to the sentinels the
// original matched, never to the original text.
type maskedError struct {
	msg     string
	matched []error
}

func (e *maskedError) Error() string   { return e.msg }
func (e *maskedError) Unwrap() []error { return e.matched }

func mask(v *vault.Vault, err error) error {
	if err == nil {
		return nil
	}
	text := err.Error()
	masked := v.Mask(text)
	if masked == text {
		return err
	}
	var matched []error
	for _, s := range sentinels {
		if errors.Is(err, s) {
			matched = append(matched, s)
		}
	}
	return &maskedError{msg: masked, matched: matched}
}

// publicError converts err into a *hosterr.Error with routing context filled in and
// every message passed through the vault masker.
func (m *Manager) publicError(err error, serverID, capability string) *hosterr.Error {
	var he *hosterr.Error
	if !errors.As(err, &he) {
		he = hosterr.New(hosterr.KindUnknown, "invoke", err)
	}

	out := *he
	if out.ServerID == "" {
		out.ServerID = serverID
	}
	if out.Capability == "" {
		out.Capability = capability
	}
	if out.Capability != "" && out.ServerID != "" {
		out.HasBackup = m.router.HasBackup(out.Capability, out.ServerID)
	}
	out.Err = mask(m.vault, out.Err)
	if text, ok := out.Payload.(string); ok {
		out.Payload = m.vault.Mask(text)
	}
	return &out
}
