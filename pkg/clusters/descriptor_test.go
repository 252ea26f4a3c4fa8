package clusters

import (
	"testing"

	imsg "github.com/hedda/mattercontrol/pkg/im/message"
	"github.com/hedda/mattercontrol/pkg/tlv"
)

// onOffValue is the kind of struct-shaped attribute/command payload a
// generated On/Off cluster package would declare: a single context-tagged
// field wrapped in the anonymous TLV structure the wire format uses for
// every AttributeDataIB/CommandDataIB payload. It implements
// TLVMarshaler/TLVUnmarshaler so descriptor Encode/Decode closures can
// route through EncodeResponse/DecodeRequest instead of hand-rolling the
// structure framing per attribute.
type onOffValue struct {
	On bool
}

func (v *onOffValue) MarshalTLV(w *tlv.Writer) error {
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return err
	}
	n := uint64(0)
	if v.On {
		n = 1
	}
	if err := w.PutUint(tlv.ContextTag(0), n); err != nil {
		return err
	}
	return w.EndContainer()
}

func (v *onOffValue) UnmarshalTLV(r *tlv.Reader) error {
	if err := r.Next(); err != nil {
		return err
	}
	if err := r.EnterContainer(); err != nil {
		return err
	}
	for {
		if err := r.Next(); err != nil {
			return err
		}
		if r.Type() == tlv.ElementTypeEnd {
			break
		}
		if r.Tag().TagNumber() == 0 {
			n, err := r.Uint()
			if err != nil {
				return err
			}
			v.On = n != 0
		}
	}
	return r.ExitContainer()
}

// boolAttribute is the kind of descriptor a generated On/Off cluster
// package would declare as a package variable, with its Encode/Decode
// closures going through EncodeResponse/DecodeRequest rather than
// hand-rolling TLV framing per attribute.
var boolAttribute = AttributeDescriptor[bool]{
	Endpoint:  1,
	Cluster:   0x0006,
	Attribute: 0x0000,
	Encode: func(v bool) ([]byte, error) {
		return EncodeResponse(&onOffValue{On: v})
	},
	Decode: func(data []byte) (bool, error) {
		v := &onOffValue{}
		if err := DecodeRequest(data, v); err != nil {
			return false, err
		}
		return v.On, nil
	},
}

// toggleRequest/toggleResponse model a command descriptor's request and
// response payloads, exercising CommandEncoder/CommandDecoder directly
// (the lower-level helpers EncodeResponse/DecodeRequest are built on) the
// way a generated cluster package's invoke bindings would.
type toggleRequest struct {
	Delayed bool
}

func (r *toggleRequest) encode() ([]byte, error) {
	enc := NewCommandEncoder()
	if err := enc.StartResponse(); err != nil {
		return nil, err
	}
	n := uint64(0)
	if r.Delayed {
		n = 1
	}
	if err := enc.Writer().PutUint(tlv.ContextTag(0), n); err != nil {
		return nil, err
	}
	return enc.Finish()
}

type toggleResponse struct {
	NewState bool
}

func decodeToggleResponse(data []byte) (toggleResponse, error) {
	var resp toggleResponse
	if len(data) == 0 {
		return resp, ErrMissingField
	}
	dec := NewCommandDecoder(data)
	r := dec.Reader()
	if err := r.Next(); err != nil {
		return resp, err
	}
	if r.Type() != tlv.ElementTypeStruct {
		return resp, ErrInvalidResponse
	}
	if err := r.EnterContainer(); err != nil {
		return resp, err
	}
	for {
		if err := r.Next(); err != nil {
			return resp, err
		}
		if r.Type() == tlv.ElementTypeEnd {
			break
		}
		if r.Tag().TagNumber() == 0 {
			n, err := r.Uint()
			if err != nil {
				return resp, err
			}
			resp.NewState = n != 0
		}
	}
	return resp, r.ExitContainer()
}

var toggleCommand = CommandDescriptor[toggleRequest, toggleResponse]{
	Endpoint: 1,
	Cluster:  0x0006,
	Command:  0x0002,
	EncodeRequest: func(r toggleRequest) ([]byte, error) {
		return r.encode()
	},
	DecodeResponse: decodeToggleResponse,
	ExpectResponse: true,
}

func TestAttributeDescriptor_Path(t *testing.T) {
	p := boolAttribute.path()

	if p.Endpoint == nil || *p.Endpoint != imsg.EndpointID(1) {
		t.Errorf("got endpoint %v, want 1", p.Endpoint)
	}
	if p.Cluster == nil || *p.Cluster != imsg.ClusterID(0x0006) {
		t.Errorf("got cluster %v, want 0x0006", p.Cluster)
	}
	if p.Attribute == nil || *p.Attribute != imsg.AttributeID(0x0000) {
		t.Errorf("got attribute %v, want 0x0000", p.Attribute)
	}
}

func TestAttributeDescriptor_EncodeDecodeRoundTrip(t *testing.T) {
	for _, want := range []bool{true, false} {
		data, err := boolAttribute.Encode(want)
		if err != nil {
			t.Fatalf("Encode(%v) error = %v", want, err)
		}

		got, err := boolAttribute.Decode(data)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if got != want {
			t.Errorf("round trip got %v, want %v", got, want)
		}
	}
}

func TestCommandDescriptor_EncodeDecodeRoundTrip(t *testing.T) {
	reqData, err := toggleCommand.EncodeRequest(toggleRequest{Delayed: true})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}

	respData, err := (&toggleResponse{NewState: true}).marshal()
	if err != nil {
		t.Fatalf("marshal response fixture error = %v", err)
	}

	resp, err := toggleCommand.DecodeResponse(respData)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if !resp.NewState {
		t.Errorf("DecodeResponse() got NewState = false, want true")
	}
	if len(reqData) == 0 {
		t.Error("EncodeRequest() produced no bytes")
	}
}

func TestNewNoResponseCommand(t *testing.T) {
	cmd := NewNoResponseCommand[toggleRequest](1, 0x0006, 0x0000, func(r toggleRequest) ([]byte, error) {
		return r.encode()
	})

	if cmd.ExpectResponse {
		t.Error("NewNoResponseCommand: ExpectResponse = true, want false")
	}

	resp, err := cmd.DecodeResponse(nil)
	if err != nil {
		t.Fatalf("DecodeResponse(nil) error = %v", err)
	}
	if resp != (struct{}{}) {
		t.Errorf("DecodeResponse(nil) = %v, want zero value", resp)
	}

	if _, err := cmd.DecodeResponse([]byte{0x01}); err != ErrInvalidResponse {
		t.Errorf("DecodeResponse(non-nil) error = %v, want ErrInvalidResponse", err)
	}
}

func (r *toggleResponse) marshal() ([]byte, error) {
	enc := NewCommandEncoder()
	if err := enc.StartResponse(); err != nil {
		return nil, err
	}
	n := uint64(0)
	if r.NewState {
		n = 1
	}
	if err := enc.Writer().PutUint(tlv.ContextTag(0), n); err != nil {
		return nil, err
	}
	return enc.Finish()
}
