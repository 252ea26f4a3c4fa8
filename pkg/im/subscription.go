package im

import (
	"bytes"
	"sync"

	"github.com/hedda/mattercontrol/pkg/exchange"
	imsg "github.com/hedda/mattercontrol/pkg/im/message"
	"github.com/hedda/mattercontrol/pkg/message"
	"github.com/hedda/mattercontrol/pkg/tlv"
	"github.com/pion/logging"
)

// ReportListener is invoked once per received DataReport for a
// subscription, after chunked messages (if any) have been reassembled.
// It runs synchronously on the receiver's dispatch path; a panic inside
// it is recovered and logged so one bad report can't take down other
// subscriptions sharing the receiver.
type ReportListener func(report *imsg.ReportDataMessage)

// subscriptionKey scopes a subscription ID to the session it was
// negotiated on, so two peers that happen to allocate the same 32-bit
// subscription ID never collide.
type subscriptionKey struct {
	localSessionID uint16
	subscriptionID imsg.SubscriptionID
}

// SubscriptionReceiver dispatches inbound DataReport exchanges to the
// listener registered for their subscription ID.
//
// A single SubscriptionReceiver is registered once per exchange.Manager,
// for im.ProtocolID, and shared by every InteractionClient using that
// manager, keyed by (session, subscription id). Installing one handler
// per client would mean a second client's subscriptions race the first
// client's handler for the same protocol ID — see the "shared
// SubscriptionClient" design note this implements.
type SubscriptionReceiver struct {
	mu        sync.Mutex
	listeners map[subscriptionKey]ReportListener
	assembler map[subscriptionKey]*Assembler
	log       logging.LeveledLogger
}

// NewSubscriptionReceiver creates a receiver ready to register with an
// exchange.Manager for im.ProtocolID.
func NewSubscriptionReceiver(loggerFactory logging.LoggerFactory) *SubscriptionReceiver {
	r := &SubscriptionReceiver{
		listeners: make(map[subscriptionKey]ReportListener),
		assembler: make(map[subscriptionKey]*Assembler),
	}
	if loggerFactory != nil {
		r.log = loggerFactory.NewLogger("im-subscription")
	}
	return r
}

// Register installs the listener for a subscription on a given session.
// Per the concurrency model (§5), the peer cannot send a DataReport for
// a subscription id before the SubscribeResponse carrying it has been
// sent, so installing the listener after SubscribeResponse is received
// and before returning from Subscribe is always in time.
func (r *SubscriptionReceiver) Register(localSessionID uint16, subscriptionID imsg.SubscriptionID, listener ReportListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[subscriptionKey{localSessionID, subscriptionID}] = listener
}

// Unregister removes a subscription's listener, e.g. once its owning
// session ends.
func (r *SubscriptionReceiver) Unregister(localSessionID uint16, subscriptionID imsg.SubscriptionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := subscriptionKey{localSessionID, subscriptionID}
	delete(r.listeners, key)
	delete(r.assembler, key)
}

// OnUnsolicited implements exchange.ProtocolHandler for the first message
// of a peer-initiated exchange — a DataReport push for an established
// subscription. It installs an exchange-scoped delegate so that any
// further chunks of the same report arrive on this same code path
// instead of being silently dropped by the exchange layer.
func (r *SubscriptionReceiver) OnUnsolicited(ctx *exchange.ExchangeContext, opcode uint8, payload []byte) ([]byte, error) {
	ctx.SetDelegate(&subscriptionExchangeDelegate{receiver: r})
	return r.handleReportData(ctx, opcode, payload)
}

// OnMessage implements exchange.ProtocolHandler. It is only reached if
// an exchange of this protocol receives a message before OnUnsolicited
// has had a chance to attach a per-exchange delegate; normal chunk
// continuations go through subscriptionExchangeDelegate instead.
func (r *SubscriptionReceiver) OnMessage(ctx *exchange.ExchangeContext, opcode uint8, payload []byte) ([]byte, error) {
	return r.handleReportData(ctx, opcode, payload)
}

// subscriptionExchangeDelegate adapts exchange.ExchangeDelegate (used for
// messages on an exchange that already has an owner) to the receiver's
// opcode-based dispatch, so a single SubscriptionReceiver implementation
// serves both the first message of a push and any chunked continuations.
type subscriptionExchangeDelegate struct {
	receiver *SubscriptionReceiver
}

func (d *subscriptionExchangeDelegate) OnMessage(ctx *exchange.ExchangeContext, header *message.ProtocolHeader, payload []byte) ([]byte, error) {
	return d.receiver.handleReportData(ctx, header.ProtocolOpcode, payload)
}

func (d *subscriptionExchangeDelegate) OnClose(ctx *exchange.ExchangeContext) {}

func (r *SubscriptionReceiver) handleReportData(ctx *exchange.ExchangeContext, opcode uint8, payload []byte) ([]byte, error) {
	if imsg.Opcode(opcode) != imsg.OpcodeReportData {
		return r.statusPayload(imsg.StatusInvalidAction), ErrProtocolMismatch
	}

	report := &imsg.ReportDataMessage{}
	rd := tlv.NewReader(bytes.NewReader(payload))
	if err := report.Decode(rd); err != nil {
		return r.statusPayload(imsg.StatusInvalidAction), err
	}

	if report.SubscriptionID == nil {
		return r.statusPayload(imsg.StatusInvalidSubscription), ErrInvalidSubscription
	}

	key := subscriptionKey{ctx.LocalSessionID(), *report.SubscriptionID}

	r.mu.Lock()
	listener, ok := r.listeners[key]
	if !ok {
		r.mu.Unlock()
		return r.statusPayload(imsg.StatusInvalidSubscription), ErrInvalidSubscription
	}

	asm, exists := r.assembler[key]
	if !exists {
		asm = NewAssembler()
		r.assembler[key] = asm
	}
	r.mu.Unlock()

	complete, done, err := asm.AddReportData(report)
	if err != nil {
		return r.statusPayload(imsg.StatusInvalidAction), err
	}
	if !done {
		return r.statusPayload(imsg.StatusSuccess), nil
	}

	r.mu.Lock()
	delete(r.assembler, key)
	r.mu.Unlock()

	r.dispatch(listener, complete)

	return r.statusPayload(imsg.StatusSuccess), nil
}

// dispatch invokes the listener, isolating the receiver from a panicking
// or misbehaving callback.
func (r *SubscriptionReceiver) dispatch(listener ReportListener, report *imsg.ReportDataMessage) {
	defer func() {
		if rec := recover(); rec != nil && r.log != nil {
			r.log.Errorf("im: subscription listener panicked: %v", rec)
		}
	}()
	listener(report)
}

func (r *SubscriptionReceiver) statusPayload(status imsg.Status) []byte {
	msg := &imsg.StatusResponseMessage{Status: status}
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := msg.Encode(w); err != nil {
		return nil
	}
	return buf.Bytes()
}
