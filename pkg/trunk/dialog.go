package trunk

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	sdp "github.com/pion/sdp/v3"
)

// ============================================
// SIGNALING DIALOGS
// ============================================
// Opaque handles over the SIP dialog layer. The rest of the system only
// sees the operations it actually needs: answer, hang up, send DTMF, and
// the UDP media leg negotiated for the call.
// ============================================

const dtmfDuration = 250 * time.Millisecond

// Dialog is the handle a CallSession holds on its underlying SIP dialog.
type Dialog interface {
	// Answer accepts the call. Only meaningful for inbound dialogs;
	// outbound dialogs are answered by the remote side.
	Answer(ctx context.Context) error
	// Hangup terminates the dialog with a BYE.
	Hangup(ctx context.Context) error
	// SendDTMF transmits the digits as in-dialog INFO messages.
	SendDTMF(ctx context.Context, digits string) error
	// MediaConn returns the local UDP socket bound for this call's RTP.
	MediaConn() *net.UDPConn
	// RemoteMedia returns the peer's RTP address from the negotiated SDP.
	RemoteMedia() *net.UDPAddr
}

// ------------------------------------------------
// Outbound dialog (we sent the INVITE)
// ------------------------------------------------

type outboundDialog struct {
	client  *sipgo.Client
	session *sipgo.DialogClientSession
	conn    *net.UDPConn
	remote  *net.UDPAddr
	cseq    uint32
}

func (d *outboundDialog) Answer(ctx context.Context) error { return nil }

func (d *outboundDialog) Hangup(ctx context.Context) error {
	return d.session.Bye(ctx)
}

func (d *outboundDialog) SendDTMF(ctx context.Context, digits string) error {
	invite := d.session.InviteRequest
	response := d.session.InviteResponse
	if invite == nil || response == nil {
		return ErrNoDialog
	}
	for _, digit := range digits {
		from := invite.From()
		to := response.To()
		req := newInfoRequest(invite, response, &sip.FromHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params,
		}, &sip.ToHeader{
			Address: to.Address,
			Params:  to.Params,
		}, digit, &d.cseq)
		if err := sendInfo(ctx, d.client, req); err != nil {
			return fmt.Errorf("failed to send DTMF %q: %w", digit, err)
		}
	}
	return nil
}

func (d *outboundDialog) MediaConn() *net.UDPConn   { return d.conn }
func (d *outboundDialog) RemoteMedia() *net.UDPAddr { return d.remote }

// ------------------------------------------------
// Inbound dialog (we received the INVITE)
// ------------------------------------------------

type inboundDialog struct {
	client    *sipgo.Client
	session   *sipgo.DialogServerSession
	conn      *net.UDPConn
	remote    *net.UDPAddr
	sdpAnswer []byte
	cseq      uint32
}

func (d *inboundDialog) Answer(ctx context.Context) error {
	contentType := sip.NewHeader("Content-Type", "application/sdp")
	if err := d.session.Respond(sip.StatusOK, "OK", d.sdpAnswer, contentType); err != nil {
		return fmt.Errorf("failed to answer call: %w", err)
	}
	return nil
}

func (d *inboundDialog) Hangup(ctx context.Context) error {
	return d.session.Bye(ctx)
}

func (d *inboundDialog) SendDTMF(ctx context.Context, digits string) error {
	invite := d.session.InviteRequest
	if invite == nil {
		return ErrNoDialog
	}
	// We are the called party: the dialog's local side is the INVITE's To.
	from := invite.To()
	to := invite.From()
	for _, digit := range digits {
		req := newInfoRequest(invite, nil, &sip.FromHeader{
			Address: from.Address,
			Params:  from.Params,
		}, &sip.ToHeader{
			Address: to.Address,
			Params:  to.Params,
		}, digit, &d.cseq)
		if err := sendInfo(ctx, d.client, req); err != nil {
			return fmt.Errorf("failed to send DTMF %q: %w", digit, err)
		}
	}
	return nil
}

func (d *inboundDialog) MediaConn() *net.UDPConn   { return d.conn }
func (d *inboundDialog) RemoteMedia() *net.UDPAddr { return d.remote }

// ------------------------------------------------
// In-dialog INFO
// ------------------------------------------------

// newInfoRequest builds an in-dialog INFO request carrying one DTMF digit
// in dtmf-relay format.
func newInfoRequest(invite *sip.Request, response *sip.Response, from *sip.FromHeader, to *sip.ToHeader, digit rune, cseq *uint32) *sip.Request {
	recipient := invite.Recipient
	if response != nil {
		if contact := response.Contact(); contact != nil {
			recipient = contact.Address
		}
	}

	req := sip.NewRequest(sip.INFO, recipient)
	req.AppendHeader(from)
	req.AppendHeader(to)
	if callID := invite.CallID(); callID != nil {
		req.AppendHeader(sip.HeaderClone(callID))
	}

	*cseq++
	seq := invite.CSeq().SeqNo + *cseq
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.INFO})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, dtmfDuration.Milliseconds())))
	req.SetTransport(invite.Transport())
	return req
}

func sendInfo(ctx context.Context, client *sipgo.Client, req *sip.Request) error {
	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create INFO transaction: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-tx.Responses():
		if res.StatusCode != sip.StatusOK {
			return fmt.Errorf("INFO rejected with %d %s", res.StatusCode, res.Reason)
		}
		return nil
	}
}

// ------------------------------------------------
// SDP
// ------------------------------------------------

// buildSDP produces a minimal PCMU-only session description advertising
// the given RTP address.
func buildSDP(localIP string, rtpPort int) ([]byte, error) {
	sessionID := time.Now().Unix()
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: rtpPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"0"},
		},
		Attributes: []sdp.Attribute{
			{Key: "sendrecv"},
		},
	}
	media = media.WithCodec(0, "PCMU", 8000, 1, "")

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(sessionID),
			SessionVersion: uint64(sessionID),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "Call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}

	return sd.Marshal()
}

// remoteMediaAddr extracts the peer's audio address from an SDP body.
func remoteMediaAddr(body []byte) (*net.UDPAddr, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("failed to parse SDP: %w", err)
	}

	host := ""
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		host = sd.ConnectionInformation.Address.Address
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			host = md.ConnectionInformation.Address.Address
		}
		if host == "" {
			return nil, fmt.Errorf("SDP has no connection address")
		}
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, md.MediaName.Port.Value))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve media address: %w", err)
		}
		return addr, nil
	}
	return nil, fmt.Errorf("SDP has no audio media")
}
