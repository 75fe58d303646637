package agent

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"

	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

// CoADispatcher kicks sessions with an RFC 5176 Disconnect-Request sent to the
// node's management port. It has no way to carry a CRL.
type CoADispatcher struct {
	secret []byte
	client *radius.Client
}

func NewCoADispatcher(secret string) *CoADispatcher {
	return &CoADispatcher{
		secret: []byte(secret),
		client: &radius.Client{Retry: 0},
	}
}

func (d *CoADispatcher) Kick(ctx context.Context, node *models.VpnNode, cmd KickCommand) error {
	packet := radius.New(radius.CodeDisconnectRequest, d.secret)
	if err := rfc2865.UserName_SetString(packet, cmd.CommonName); err != nil {
		return fmt.Errorf("failed to set User-Name: %w", err)
	}
	if cmd.SessionID != 0 {
		if err := rfc2866.AcctSessionID_SetString(packet, strconv.FormatUint(uint64(cmd.SessionID), 10)); err != nil {
			return fmt.Errorf("failed to set Acct-Session-Id: %w", err)
		}
	}
	if err := rfc2866.AcctTerminateCause_Set(packet, terminateCause(cmd.Reason)); err != nil {
		return fmt.Errorf("failed to set Acct-Terminate-Cause: %w", err)
	}

	addr := net.JoinHostPort(node.Hostname, strconv.Itoa(node.MgmtPort))
	response, err := d.client.Exchange(ctx, packet, addr)
	if err != nil {
		return fmt.Errorf("disconnect-request to %s: %w", addr, err)
	}

	switch response.Code {
	case radius.CodeDisconnectACK:
		return nil
	case radius.CodeDisconnectNAK:
		return fmt.Errorf("disconnect NAK received from %s", addr)
	default:
		return fmt.Errorf("unexpected disconnect response code: %d", response.Code)
	}
}

func (d *CoADispatcher) PushCrl(_ context.Context, _ *models.VpnNode, _ CrlCommand) error {
	return ErrUnsupported
}

func terminateCause(reason models.KickReason) rfc2866.AcctTerminateCause {
	switch reason {
	case models.KickReasonManual:
		return rfc2866.AcctTerminateCause_Value_AdminReset
	case models.KickReasonConcurrency:
		return rfc2866.AcctTerminateCause_Value_ServiceUnavailable
	default:
		return rfc2866.AcctTerminateCause_Value_AdminReboot
	}
}
