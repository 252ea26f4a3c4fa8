package im

import (
	"bytes"
	"context"

	"github.com/hedda/mattercontrol/pkg/exchange"
	imsg "github.com/hedda/mattercontrol/pkg/im/message"
	"github.com/hedda/mattercontrol/pkg/message"
	"github.com/hedda/mattercontrol/pkg/session"
	"github.com/hedda/mattercontrol/pkg/tlv"
	"github.com/hedda/mattercontrol/pkg/transport"
)

// Invoke sends a single command and returns the TLV-encoded response
// fields, if any.
//
// expectResponse should be true for commands whose invocation response
// schema is not NoResponse; optional matches the command's optional
// attribute in its cluster definition. Resolution order, per the
// Interaction Model's invoke semantics:
//
//   - a non-Success result status always fails with *InvokeError
//   - a Success result when !expectResponse returns (nil, nil)
//   - response command data, if present, is returned as-is
//   - otherwise, if optional, returns (nil, nil)
//   - otherwise fails with ErrNoResponse
func (c *InteractionClient) Invoke(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	endpoint imsg.EndpointID,
	cluster imsg.ClusterID,
	command imsg.CommandID,
	fields []byte,
	expectResponse bool,
	optional bool,
) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req := &imsg.InvokeRequestMessage{
		InvokeRequests: []imsg.CommandDataIB{
			{
				Path:   imsg.CommandPathIB{Endpoint: endpoint, Cluster: cluster, Command: command},
				Fields: fields,
			},
		},
	}
	payload, err := EncodeInvokeRequest(req)
	if err != nil {
		return nil, err
	}

	delegate := newInvokeDelegate()
	exch, err := c.exchangeManager.NewExchange(sess, sess.LocalSessionID(), peerAddr, ProtocolID, delegate)
	if err != nil {
		return nil, err
	}
	defer exch.Close()

	if err := exch.SendMessage(uint8(imsg.OpcodeInvokeRequest), payload, true); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ErrClientTimeout
	case res := <-delegate.ch:
		if res.err != nil {
			return nil, res.err
		}
		return resolveInvokeResponse(res.resp, expectResponse, optional)
	}
}

func resolveInvokeResponse(resp *imsg.InvokeResponseMessage, expectResponse, optional bool) ([]byte, error) {
	if len(resp.InvokeResponses) == 0 {
		return nil, ErrUnexpectedResponse
	}
	first := resp.InvokeResponses[0]

	if first.Status != nil {
		code := first.Status.Status.Status
		if code != imsg.StatusSuccess {
			return nil, &InvokeError{Code: code}
		}
		if !expectResponse {
			return nil, nil
		}
	}

	if first.Command != nil {
		return first.Command.Fields, nil
	}

	if optional {
		return nil, nil
	}

	return nil, ErrNoResponse
}

type invokeResult struct {
	resp *imsg.InvokeResponseMessage
	err  error
}

// invokeDelegate implements exchange.ExchangeDelegate for a single invoke
// exchange, reassembling a chunked InvokeResponseMessage (Matter allows
// chunking invoke responses the same way it does DataReports) before
// handing the caller the final result.
type invokeDelegate struct {
	ch  chan invokeResult
	asm *Assembler
}

func newInvokeDelegate() *invokeDelegate {
	return &invokeDelegate{ch: make(chan invokeResult, 1), asm: NewAssembler()}
}

func (d *invokeDelegate) OnMessage(ctx *exchange.ExchangeContext, header *message.ProtocolHeader, payload []byte) ([]byte, error) {
	switch imsg.Opcode(header.ProtocolOpcode) {
	case imsg.OpcodeInvokeResponse:
		resp := &imsg.InvokeResponseMessage{}
		if err := resp.Decode(tlv.NewReader(bytes.NewReader(payload))); err != nil {
			d.send(invokeResult{err: err})
			return nil, nil
		}
		complete, done, err := d.asm.AddInvokeResponse(resp)
		if err != nil {
			d.send(invokeResult{err: err})
			return nil, nil
		}
		if !done {
			return nil, nil
		}
		d.send(invokeResult{resp: complete})
	case imsg.OpcodeStatusResponse:
		status, err := DecodeStatusResponse(payload)
		if err != nil {
			d.send(invokeResult{err: err})
			return nil, nil
		}
		d.send(invokeResult{err: &StatusResponseError{Code: status.Status}})
	default:
		d.send(invokeResult{err: ErrProtocolMismatch})
	}
	return nil, nil
}

func (d *invokeDelegate) OnClose(ctx *exchange.ExchangeContext) {
	d.send(invokeResult{err: ErrClientClosed})
}

func (d *invokeDelegate) send(r invokeResult) {
	select {
	case d.ch <- r:
	default:
	}
}
