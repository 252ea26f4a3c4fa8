package im

import (
	"errors"
	"testing"

	"github.com/hedda/mattercontrol/pkg/im/message"
)

func TestResolveInvokeResponse(t *testing.T) {
	ok := message.StatusSuccess
	fail := message.StatusFailure

	tests := []struct {
		name           string
		resp           *message.InvokeResponseMessage
		expectResponse bool
		optional       bool
		wantData       []byte
		wantErr        error
	}{
		{
			name: "success result, no response expected",
			resp: &message.InvokeResponseMessage{InvokeResponses: []message.InvokeResponseIB{
				{Status: &message.CommandStatusIB{Status: message.StatusIB{Status: ok}}},
			}},
			expectResponse: false,
			wantData:       nil,
		},
		{
			name: "non-success result always fails",
			resp: &message.InvokeResponseMessage{InvokeResponses: []message.InvokeResponseIB{
				{Status: &message.CommandStatusIB{Status: message.StatusIB{Status: fail}}},
			}},
			expectResponse: true,
			wantErr:        &InvokeError{Code: fail},
		},
		{
			name: "command data present",
			resp: &message.InvokeResponseMessage{InvokeResponses: []message.InvokeResponseIB{
				{Command: &message.CommandDataIB{Fields: []byte{0x01, 0x02}}},
			}},
			expectResponse: true,
			wantData:       []byte{0x01, 0x02},
		},
		{
			name:           "neither response nor result, optional",
			resp:           &message.InvokeResponseMessage{InvokeResponses: []message.InvokeResponseIB{{}}},
			expectResponse: true,
			optional:       true,
			wantData:       nil,
		},
		{
			name:           "neither response nor result, required",
			resp:           &message.InvokeResponseMessage{InvokeResponses: []message.InvokeResponseIB{{}}},
			expectResponse: true,
			wantErr:        ErrNoResponse,
		},
		{
			name:           "no entries at all",
			resp:           &message.InvokeResponseMessage{},
			expectResponse: true,
			wantErr:        ErrUnexpectedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveInvokeResponse(tt.resp, tt.expectResponse, tt.optional)
			if tt.wantErr != nil {
				if err == nil {
					t.Fatalf("expected error %v, got nil", tt.wantErr)
				}
				var invokeErr *InvokeError
				if errors.As(tt.wantErr, &invokeErr) {
					var gotErr *InvokeError
					if !errors.As(err, &gotErr) || gotErr.Code != invokeErr.Code {
						t.Fatalf("got error %v, want %v", err, tt.wantErr)
					}
					return
				}
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got error %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != string(tt.wantData) {
				t.Errorf("got data %v, want %v", got, tt.wantData)
			}
		})
	}
}
