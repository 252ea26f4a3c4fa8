package im

import (
	"bytes"

	imsg "github.com/hedda/mattercontrol/pkg/im/message"
	"github.com/hedda/mattercontrol/pkg/tlv"
)

// EncodeInvokeRequest encodes an InvokeRequestMessage to TLV.
func EncodeInvokeRequest(req *imsg.InvokeRequestMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := req.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeReadRequest encodes a ReadRequestMessage to TLV.
func EncodeReadRequest(req *imsg.ReadRequestMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := req.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeInvokeResponse decodes an InvokeResponseMessage from TLV.
func DecodeInvokeResponse(data []byte) (*imsg.InvokeResponseMessage, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	msg := &imsg.InvokeResponseMessage{}
	if err := msg.Decode(r); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeReportData decodes a ReportDataMessage from TLV.
func DecodeReportData(data []byte) (*imsg.ReportDataMessage, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	msg := &imsg.ReportDataMessage{}
	if err := msg.Decode(r); err != nil {
		return nil, err
	}
	return msg, nil
}

// EncodeWriteRequest encodes a WriteRequestMessage to TLV.
func EncodeWriteRequest(req *imsg.WriteRequestMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := req.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeWriteResponse decodes a WriteResponseMessage from TLV.
func DecodeWriteResponse(data []byte) (*imsg.WriteResponseMessage, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	msg := &imsg.WriteResponseMessage{}
	if err := msg.Decode(r); err != nil {
		return nil, err
	}
	return msg, nil
}

// EncodeSubscribeRequest encodes a SubscribeRequestMessage to TLV.
func EncodeSubscribeRequest(req *imsg.SubscribeRequestMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := req.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSubscribeResponse decodes a SubscribeResponseMessage from TLV.
func DecodeSubscribeResponse(data []byte) (*imsg.SubscribeResponseMessage, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	msg := &imsg.SubscribeResponseMessage{}
	if err := msg.Decode(r); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeStatusResponse decodes a StatusResponseMessage from TLV.
func DecodeStatusResponse(data []byte) (*imsg.StatusResponseMessage, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	msg := &imsg.StatusResponseMessage{}
	if err := msg.Decode(r); err != nil {
		return nil, err
	}
	return msg, nil
}

// EncodeReportData encodes a ReportDataMessage to TLV, used when this client
// must ack a chunked report or (in tests) synthesize peer traffic.
func EncodeReportData(msg *imsg.ReportDataMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := msg.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeStatusResponse encodes a StatusResponseMessage to TLV.
func EncodeStatusResponse(msg *imsg.StatusResponseMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := msg.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
