package clusters

import (
	"context"

	"github.com/hedda/mattercontrol/pkg/im"
	imsg "github.com/hedda/mattercontrol/pkg/im/message"
	"github.com/hedda/mattercontrol/pkg/session"
	"github.com/hedda/mattercontrol/pkg/transport"
)

// AttributeDescriptor binds an attribute's path to the TLV codec for its Go
// type T. Cluster packages declare one of these per attribute as a package
// variable; GetAttribute/SetAttribute/SubscribeAttribute close over it to
// produce a typed accessor, instead of the client building one dynamically
// from a schema object at runtime.
type AttributeDescriptor[T any] struct {
	Endpoint  imsg.EndpointID
	Cluster   imsg.ClusterID
	Attribute imsg.AttributeID

	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

func (d AttributeDescriptor[T]) path() imsg.AttributePathIB {
	endpoint, cluster, attribute := d.Endpoint, d.Cluster, d.Attribute
	return imsg.AttributePathIB{
		Endpoint:  &endpoint,
		Cluster:   &cluster,
		Attribute: &attribute,
	}
}

// GetAttribute reads and decodes one attribute through client, serving a
// cached value when available.
func GetAttribute[T any](
	ctx context.Context,
	client *im.InteractionClient,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	d AttributeDescriptor[T],
) (T, error) {
	var zero T
	report, err := client.Get(ctx, sess, peerAddr, d.Endpoint, d.Cluster, d.Attribute)
	if err != nil {
		return zero, err
	}
	return d.Decode(report.Value)
}

// SetAttribute encodes value and writes it through client. dataVersion, if
// non-nil, requests a conditional write against that cluster data version.
func SetAttribute[T any](
	ctx context.Context,
	client *im.InteractionClient,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	d AttributeDescriptor[T],
	value T,
	dataVersion *imsg.DataVersion,
) error {
	data, err := d.Encode(value)
	if err != nil {
		return err
	}
	return client.Set(ctx, sess, peerAddr, im.WriteItem{
		Path:        d.path(),
		Value:       data,
		DataVersion: dataVersion,
	})
}

// SubscribeAttribute subscribes to a single attribute, decoding each report
// before handing it to listener. A reported error status is surfaced to
// listener as a non-nil error with a zero value, rather than silently
// dropped, so callers that care about status-only reports can observe them.
func SubscribeAttribute[T any](
	ctx context.Context,
	client *im.InteractionClient,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	d AttributeDescriptor[T],
	minIntervalFloor uint16,
	maxIntervalCeiling uint16,
	listener func(T, error),
) (*im.SubscriptionHandle, error) {
	wrapped := func(report im.AttributeReport) {
		if report.Status != nil {
			var zero T
			listener(zero, &im.StatusResponseError{Path: &report.Path, Code: *report.Status})
			return
		}
		value, err := d.Decode(report.Value)
		listener(value, err)
	}
	return client.Subscribe(ctx, sess, peerAddr, d.Endpoint, d.Cluster, d.Attribute, minIntervalFloor, maxIntervalCeiling, wrapped)
}

// CommandDescriptor binds a command's path and response expectations to the
// TLV codecs for its Go request and response types.
type CommandDescriptor[Req any, Resp any] struct {
	Endpoint imsg.EndpointID
	Cluster  imsg.ClusterID
	Command  imsg.CommandID

	EncodeRequest  func(Req) ([]byte, error)
	DecodeResponse func([]byte) (Resp, error)

	// ExpectResponse is true when this command's response schema carries
	// data (as opposed to NoResponse, a bare success/failure result).
	ExpectResponse bool

	// Optional matches the command's "optional response" attribute in its
	// cluster definition: a peer that sends neither response data nor a
	// result is tolerated rather than treated as a protocol error.
	Optional bool
}

// InvokeCommand encodes request, invokes the command described by d through
// client, and decodes the response if one is expected and present. When the
// command carries no response (NoResponse, or an optional command the peer
// didn't answer), the returned value is the zero value of Resp.
func InvokeCommand[Req any, Resp any](
	ctx context.Context,
	client *im.InteractionClient,
	sess *session.SecureContext,
	peerAddr transport.PeerAddress,
	d CommandDescriptor[Req, Resp],
	request Req,
) (Resp, error) {
	var zero Resp

	fields, err := d.EncodeRequest(request)
	if err != nil {
		return zero, err
	}

	data, err := client.Invoke(ctx, sess, peerAddr, d.Endpoint, d.Cluster, d.Command, fields, d.ExpectResponse, d.Optional)
	if err != nil {
		return zero, err
	}
	if data == nil {
		return zero, nil
	}
	return d.DecodeResponse(data)
}

// NewNoResponseCommand builds a CommandDescriptor for a command whose
// response schema is NoResponse: it carries no response fields to decode,
// only the bare success/failure result InvokeCommand already surfaces as
// an error. EmptyResponse documents the on-wire absence of response data
// such a command pairs with, the same placeholder an accessory-side
// command handler returns for a status-only command.
func NewNoResponseCommand[Req any](
	endpoint imsg.EndpointID,
	cluster imsg.ClusterID,
	command imsg.CommandID,
	encodeRequest func(Req) ([]byte, error),
) CommandDescriptor[Req, struct{}] {
	return CommandDescriptor[Req, struct{}]{
		Endpoint:      endpoint,
		Cluster:       cluster,
		Command:       command,
		EncodeRequest: encodeRequest,
		DecodeResponse: func(data []byte) (struct{}, error) {
			if data != nil {
				return struct{}{}, ErrInvalidResponse
			}
			_ = EmptyResponse()
			return struct{}{}, nil
		},
		ExpectResponse: false,
	}
}
