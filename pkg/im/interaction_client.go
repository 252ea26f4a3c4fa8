package im

import (
	"bytes"
	"context"
	"time"

	"github.com/hedda/mattercontrol/pkg/exchange"
	imsg "github.com/hedda/mattercontrol/pkg/im/message"
	"github.com/hedda/mattercontrol/pkg/message"
	"github.com/hedda/mattercontrol/pkg/session"
	"github.com/hedda/mattercontrol/pkg/tlv"
	"github.com/hedda/mattercontrol/pkg/transport"
	"github.com/pion/logging"
)

// AttributeReport is the normalized result of reading or subscribing to a
// single attribute: either a value at a data version, or a status.
type AttributeReport struct {
	Path        imsg.AttributePathIB
	Value       []byte
	DataVersion imsg.DataVersion
	Status      *imsg.Status
}

// WriteItem describes one attribute to write. DataVersion, when non-nil,
// requests a conditional write against the given cluster data version;
// AttributeDataIB's on-wire DataVersion field isn't optional, so a nil
// DataVersion here is encoded as 0 (no version check requested).
type WriteItem struct {
	Path        imsg.AttributePathIB
	Value       []byte
	DataVersion *imsg.DataVersion
}

// AttributeStatus reports a non-success outcome for one written path.
type AttributeStatus struct {
	Path imsg.AttributePathIB
	Code imsg.Status
}

// InteractionClientConfig configures an InteractionClient.
type InteractionClientConfig struct {
	// ExchangeManager handles message exchanges. Required.
	ExchangeManager *exchange.Manager

	// Receiver dispatches inbound DataReport pushes to subscriptions. It
	// must be registered with ExchangeManager under ProtocolID, and is
	// typically shared by every InteractionClient built on that manager.
	// Required.
	Receiver *SubscriptionReceiver

	// Cache holds attribute values observed through subscription reports.
	// If nil, a private cache is created.
	Cache *AttributeCache

	// Timeout bounds request/response round trips. Defaults to
	// DefaultRequestTimeout if zero.
	Timeout time.Duration

	// LoggerFactory creates loggers. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// InteractionClient is the controller-side entry point for the Interaction
// Model: attribute read/write/subscribe and command invocation against a
// single peer over an established secure session. It supports
// multi-path requests, chunked reads, and maintains the
// subscription value cache described by the data model (cache populated
// only from subscription reports; Get never issues a network request on a
// cache hit).
type InteractionClient struct {
	exchangeManager *exchange.Manager
	receiver        *SubscriptionReceiver
	cache           *AttributeCache
	timeout         time.Duration
	log             logging.LeveledLogger
}

// NewInteractionClient creates an InteractionClient.
func NewInteractionClient(config InteractionClientConfig) *InteractionClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	cache := config.Cache
	if cache == nil {
		cache = NewAttributeCache()
	}

	c := &InteractionClient{
		exchangeManager: config.ExchangeManager,
		receiver:        config.Receiver,
		cache:           cache,
		timeout:         timeout,
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("im-interaction-client")
	}
	return c
}

func (c *InteractionClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// reportMsg is one decoded message arriving on a read/subscribe exchange.
type reportMsg struct {
	report      *imsg.ReportDataMessage
	status      *imsg.StatusResponseMessage
	subscribeID *imsg.SubscribeResponseMessage
	err         error
}

// reportDelegate implements exchange.ExchangeDelegate for the lifetime of a
// single read or subscribe exchange, forwarding every decoded message to a
// channel the calling goroutine drains in order. Matter's half-duplex
// chunking protocol (we always ack a chunk before the peer sends the next)
// means at most one message is ever in flight, so a buffer of one is
// sufficient.
type reportDelegate struct {
	ch  chan reportMsg
	log logging.LeveledLogger
}

func newReportDelegate(log logging.LeveledLogger) *reportDelegate {
	return &reportDelegate{ch: make(chan reportMsg, 1), log: log}
}

func (d *reportDelegate) OnMessage(ctx *exchange.ExchangeContext, header *message.ProtocolHeader, payload []byte) ([]byte, error) {
	switch imsg.Opcode(header.ProtocolOpcode) {
	case imsg.OpcodeReportData:
		report := &imsg.ReportDataMessage{}
		if err := report.Decode(tlv.NewReader(bytes.NewReader(payload))); err != nil {
			d.ch <- reportMsg{err: err}
			return nil, nil
		}
		d.ch <- reportMsg{report: report}
	case imsg.OpcodeStatusResponse:
		status, err := DecodeStatusResponse(payload)
		if err != nil {
			d.ch <- reportMsg{err: err}
			return nil, nil
		}
		d.ch <- reportMsg{status: status}
	case imsg.OpcodeSubscribeResponse:
		resp, err := DecodeSubscribeResponse(payload)
		if err != nil {
			d.ch <- reportMsg{err: err}
			return nil, nil
		}
		d.ch <- reportMsg{subscribeID: resp}
	default:
		d.ch <- reportMsg{err: ErrProtocolMismatch}
	}
	return nil, nil
}

func (d *reportDelegate) OnClose(ctx *exchange.ExchangeContext) {
	select {
	case d.ch <- reportMsg{err: ErrClientClosed}:
	default:
	}
}

// GetAllAttributes reads every attribute from every cluster on every
// endpoint (a wildcard read), reassembling any chunked response.
func (c *InteractionClient) GetAllAttributes(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
) ([]AttributeReport, error) {
	return c.GetMultipleAttributes(ctx, sess, peerAddr, []imsg.AttributePathIB{{}})
}

// GetMultipleAttributes issues a single ReadRequest over the given paths and
// returns every reported attribute (data or status), reassembling chunked
// responses and acking each non-final chunk per the chunked read protocol.
func (c *InteractionClient) GetMultipleAttributes(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	paths []imsg.AttributePathIB,
) ([]AttributeReport, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req := &imsg.ReadRequestMessage{AttributeRequests: paths, FabricFiltered: true}
	payload, err := EncodeReadRequest(req)
	if err != nil {
		return nil, err
	}

	delegate := newReportDelegate(c.log)
	exch, err := c.exchangeManager.NewExchange(sess, sess.LocalSessionID(), peerAddr, ProtocolID, delegate)
	if err != nil {
		return nil, err
	}
	defer exch.Close()

	if err := exch.SendMessage(uint8(imsg.OpcodeReadRequest), payload, true); err != nil {
		return nil, err
	}

	var all []AttributeReport
	for {
		select {
		case <-ctx.Done():
			return nil, ErrClientTimeout
		case m := <-delegate.ch:
			if m.err != nil {
				return nil, m.err
			}
			if m.status != nil {
				return nil, &StatusResponseError{Code: m.status.Status}
			}
			if m.report == nil {
				return nil, ErrUnexpectedResponse
			}
			reports, err := normalizeAttributeReports(m.report.AttributeReports)
			if err != nil {
				return nil, err
			}
			all = append(all, reports...)

			if !m.report.MoreChunkedMessages {
				return all, nil
			}
			if !m.report.SuppressResponse {
				ack, err := EncodeStatusResponse(&imsg.StatusResponseMessage{Status: imsg.StatusSuccess})
				if err != nil {
					return nil, err
				}
				if err := exch.SendMessage(uint8(imsg.OpcodeStatusResponse), ack, true); err != nil {
					return nil, err
				}
			}
		}
	}
}

// Get reads a single concrete attribute, serving the value from cache when
// available (the cache is read-through: a hit never reaches the network).
func (c *InteractionClient) Get(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	endpoint imsg.EndpointID,
	cluster imsg.ClusterID,
	attribute imsg.AttributeID,
) (AttributeReport, error) {
	if cached, ok := c.cache.Get(endpoint, cluster, attribute); ok {
		return AttributeReport{
			Path:        concretePath(endpoint, cluster, attribute),
			Value:       cached.Value,
			DataVersion: cached.DataVersion,
		}, nil
	}

	reports, err := c.GetMultipleAttributes(ctx, sess, peerAddr, []imsg.AttributePathIB{
		concretePath(endpoint, cluster, attribute),
	})
	if err != nil {
		return AttributeReport{}, err
	}
	if len(reports) != 1 {
		return AttributeReport{}, ErrUnexpectedReport
	}
	if reports[0].Status != nil {
		return AttributeReport{}, &StatusResponseError{Path: &reports[0].Path, Code: *reports[0].Status}
	}
	return reports[0], nil
}

// Set writes a single attribute and returns an error (a *StatusResponseError)
// if the peer reported anything other than success for it.
func (c *InteractionClient) Set(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	item WriteItem,
) error {
	failures, err := c.SetMultipleAttributes(ctx, sess, peerAddr, []WriteItem{item})
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		return &StatusResponseError{Path: &failures[0].Path, Code: failures[0].Code}
	}
	return nil
}

// SetMultipleAttributes issues a single WriteRequest over the given items.
// It returns only the subset of paths the peer did not report success for;
// a nil/empty result means every write succeeded. Per the cache invariants,
// writes never update the attribute cache.
func (c *InteractionClient) SetMultipleAttributes(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	items []WriteItem,
) ([]AttributeStatus, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	reqs := make([]imsg.AttributeDataIB, len(items))
	for i, item := range items {
		var version imsg.DataVersion
		if item.DataVersion != nil {
			version = *item.DataVersion
		}
		reqs[i] = imsg.AttributeDataIB{
			DataVersion: version,
			Path:        item.Path,
			Data:        item.Value,
		}
	}

	req := &imsg.WriteRequestMessage{WriteRequests: reqs}
	payload, err := EncodeWriteRequest(req)
	if err != nil {
		return nil, err
	}

	delegate := newWriteDelegate(c.log)
	exch, err := c.exchangeManager.NewExchange(sess, sess.LocalSessionID(), peerAddr, ProtocolID, delegate)
	if err != nil {
		return nil, err
	}
	defer exch.Close()

	if err := exch.SendMessage(uint8(imsg.OpcodeWriteRequest), payload, true); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ErrClientTimeout
	case res := <-delegate.ch:
		if res.err != nil {
			return nil, res.err
		}
		var failures []AttributeStatus
		for _, status := range res.resp.WriteResponses {
			if status.Status.Status != imsg.StatusSuccess {
				failures = append(failures, AttributeStatus{Path: status.Path, Code: status.Status.Status})
			}
		}
		return failures, nil
	}
}

type writeResult struct {
	resp *imsg.WriteResponseMessage
	err  error
}

type writeDelegate struct {
	ch  chan writeResult
	log logging.LeveledLogger
}

func newWriteDelegate(log logging.LeveledLogger) *writeDelegate {
	return &writeDelegate{ch: make(chan writeResult, 1), log: log}
}

func (d *writeDelegate) OnMessage(ctx *exchange.ExchangeContext, header *message.ProtocolHeader, payload []byte) ([]byte, error) {
	switch imsg.Opcode(header.ProtocolOpcode) {
	case imsg.OpcodeWriteResponse:
		resp, err := DecodeWriteResponse(payload)
		d.ch <- writeResult{resp: resp, err: err}
	case imsg.OpcodeStatusResponse:
		status, err := DecodeStatusResponse(payload)
		if err != nil {
			d.ch <- writeResult{err: err}
			return nil, nil
		}
		d.ch <- writeResult{err: &StatusResponseError{Code: status.Status}}
	default:
		d.ch <- writeResult{err: ErrProtocolMismatch}
	}
	return nil, nil
}

func (d *writeDelegate) OnClose(ctx *exchange.ExchangeContext) {
	select {
	case d.ch <- writeResult{err: ErrClientClosed}:
	default:
	}
}

// SubscriptionHandle lets a caller end a subscription it created.
type SubscriptionHandle struct {
	client *InteractionClient
	sessID uint16
	subID  imsg.SubscriptionID
}

// Cancel stops delivering reports for this subscription. It does not send
// anything to the peer: subscription teardown on the wire happens when the
// underlying session closes (Non-goal: this client doesn't send an explicit
// unsubscribe, matching the controller-only scope).
func (h *SubscriptionHandle) Cancel() {
	h.client.receiver.Unregister(h.sessID, h.subID)
}

// SubscribeMultipleAttributes subscribes to the given attribute paths.
// The initial priming report is normalized, used to seed the cache, and
// delivered synchronously to listener before this call returns; every
// subsequent report is delivered asynchronously on the shared
// SubscriptionReceiver's dispatch path.
func (c *InteractionClient) SubscribeMultipleAttributes(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	paths []imsg.AttributePathIB,
	minIntervalFloor uint16,
	maxIntervalCeiling uint16,
	listener func([]AttributeReport),
) (*SubscriptionHandle, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req := &imsg.SubscribeRequestMessage{
		MinIntervalFloorSeconds:   minIntervalFloor,
		MaxIntervalCeilingSeconds: maxIntervalCeiling,
		AttributeRequests:         paths,
		FabricFiltered:            true,
		KeepSubscriptions:         true,
	}
	payload, err := EncodeSubscribeRequest(req)
	if err != nil {
		return nil, err
	}

	delegate := newReportDelegate(c.log)
	exch, err := c.exchangeManager.NewExchange(sess, sess.LocalSessionID(), peerAddr, ProtocolID, delegate)
	if err != nil {
		return nil, err
	}
	defer exch.Close()

	if err := exch.SendMessage(uint8(imsg.OpcodeSubscribeRequest), payload, true); err != nil {
		return nil, err
	}

	dispatch := c.subscriptionDispatcher(listener)

	var primed []AttributeReport
	var subID imsg.SubscriptionID
	haveSubID := false

awaitLoop:
	for {
		select {
		case <-ctx.Done():
			return nil, ErrClientTimeout
		case m := <-delegate.ch:
			if m.err != nil {
				return nil, m.err
			}
			if m.status != nil {
				return nil, &StatusResponseError{Code: m.status.Status}
			}
			if m.subscribeID != nil {
				subID = m.subscribeID.SubscriptionID
				haveSubID = true
				break awaitLoop
			}
			if m.report == nil {
				return nil, ErrUnexpectedResponse
			}

			reports, err := normalizeAttributeReports(m.report.AttributeReports)
			if err != nil {
				return nil, err
			}
			primed = append(primed, reports...)
			if m.report.SubscriptionID != nil {
				subID = *m.report.SubscriptionID
				haveSubID = true
			}
			if m.report.MoreChunkedMessages && !m.report.SuppressResponse {
				ack, err := EncodeStatusResponse(&imsg.StatusResponseMessage{Status: imsg.StatusSuccess})
				if err != nil {
					return nil, err
				}
				if err := exch.SendMessage(uint8(imsg.OpcodeStatusResponse), ack, true); err != nil {
					return nil, err
				}
			}
		}
	}

	if !haveSubID {
		return nil, ErrProtocolMismatch
	}

	for _, r := range primed {
		if r.Status == nil {
			c.cache.Put(&r.Path, r.Value, r.DataVersion)
		}
	}

	c.receiver.Register(sess.LocalSessionID(), subID, dispatch)
	if len(primed) > 0 {
		listener(primed)
	}

	return &SubscriptionHandle{client: c, sessID: sess.LocalSessionID(), subID: subID}, nil
}

// subscriptionDispatcher wraps a user listener as a ReportListener,
// enforcing spec.md §4.E's two subscription-report requirements before
// the user ever sees a report: (a) the report must be non-empty, and (d)
// every entry must carry either a value or a status, never neither. Both
// violations are rejected by logging and dropping the report rather than
// delivering a partial/empty one — consistent with the receiver's own
// "a bad report can't take down other subscriptions" isolation, this
// keeps one malformed push from corrupting the subscriber's view.
func (c *InteractionClient) subscriptionDispatcher(listener func([]AttributeReport)) ReportListener {
	return func(report *imsg.ReportDataMessage) {
		if len(report.AttributeReports) == 0 {
			if c.log != nil {
				c.log.Warnf("im: dropping empty subscription report for subscription %v", report.SubscriptionID)
			}
			return
		}
		reports, err := normalizeAttributeReports(report.AttributeReports)
		if err != nil {
			if c.log != nil {
				c.log.Errorf("im: dropping subscription report: %v", err)
			}
			return
		}
		for _, r := range reports {
			if r.Status == nil {
				c.cache.Put(&r.Path, r.Value, r.DataVersion)
			}
		}
		listener(reports)
	}
}

// normalizeAttributeReports flattens the wire IB union type into the
// client-facing AttributeReport shape. An AttributeReportIB that carries
// neither data nor a status (spec.md §4.E's "rejects undefined value") is
// a protocol violation, not a report to silently drop: it fails the whole
// call with ErrUndefinedValue rather than returning a shorter list than
// the peer sent.
func normalizeAttributeReports(ibs []imsg.AttributeReportIB) ([]AttributeReport, error) {
	reports := make([]AttributeReport, 0, len(ibs))
	for _, ib := range ibs {
		switch {
		case ib.IsData():
			reports = append(reports, AttributeReport{
				Path:        ib.AttributeData.Path,
				Value:       ib.AttributeData.Data,
				DataVersion: ib.AttributeData.DataVersion,
			})
		case ib.IsStatus():
			code := ib.AttributeStatus.Status.Status
			reports = append(reports, AttributeReport{
				Path:   ib.AttributeStatus.Path,
				Status: &code,
			})
		default:
			return nil, ErrUndefinedValue
		}
	}
	return reports, nil
}

func concretePath(endpoint imsg.EndpointID, cluster imsg.ClusterID, attribute imsg.AttributeID) imsg.AttributePathIB {
	return imsg.AttributePathIB{
		Endpoint:  &endpoint,
		Cluster:   &cluster,
		Attribute: &attribute,
	}
}

// Subscribe subscribes to a single concrete attribute. listener receives
// only reports that contain exactly one entry; a report with zero or
// several entries, the priming report included, is logged and not
// delivered, and Subscribe does not return an error for it.
func (c *InteractionClient) Subscribe(
	ctx context.Context,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	endpoint imsg.EndpointID,
	cluster imsg.ClusterID,
	attribute imsg.AttributeID,
	minIntervalFloor uint16,
	maxIntervalCeiling uint16,
	listener func(AttributeReport),
) (*SubscriptionHandle, error) {
	path := concretePath(endpoint, cluster, attribute)
	wrapped := func(reports []AttributeReport) {
		if len(reports) != 1 {
			if c.log != nil {
				c.log.Warnf("im: single-attribute subscription reported %d entries, want 1", len(reports))
			}
			return
		}
		listener(reports[0])
	}
	return c.SubscribeMultipleAttributes(ctx, sess, peerAddr, []imsg.AttributePathIB{path}, minIntervalFloor, maxIntervalCeiling, wrapped)
}
