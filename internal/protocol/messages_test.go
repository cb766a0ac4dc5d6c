package protocol

import (
	"errors"
	"testing"
)

func TestDecode_Register(t *testing.T) {
	data := []byte(`{"type":"register","participant_id":"p1","nickname":"nick","pin":"123456","runner":"ollama","model":"llama3"}`)
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	reg, ok := msg.(Register)
	if !ok {
		t.Fatalf("want Register, got %T", msg)
	}
	if reg.ParticipantID != "p1" || reg.Pin != "123456" {
		t.Fatalf("unexpected fields: %+v", reg)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
}

func TestDecode_BadJSON(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("want error for malformed frame")
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name string
		data string
		want error
	}{
		{"register missing pin", `{"type":"register","participant_id":"p1","nickname":"n","runner":"r","model":"m"}`, ErrMissingField},
		{"token negative seq", `{"type":"token","round":0,"participant_id":"p1","seq":-1,"content":"x"}`, ErrOutOfRange},
		{"token negative round", `{"type":"token","round":-1,"participant_id":"p1","seq":0,"content":"x"}`, ErrOutOfRange},
		{"complete negative duration", `{"type":"complete","round":0,"participant_id":"p1","tokens":10,"duration_ms":-5}`, ErrOutOfRange},
		{"complete negative latency", `{"type":"complete","round":0,"participant_id":"p1","tokens":10,"latency_ms_first_token":-1,"duration_ms":5}`, ErrOutOfRange},
		{"error missing code", `{"type":"error","round":0,"participant_id":"p1","message":"boom"}`, ErrMissingField},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDecode_TokenEmptyContentAllowed(t *testing.T) {
	// Content has no non-empty constraint; a model can emit empty fragments.
	if _, err := Decode([]byte(`{"type":"token","round":0,"participant_id":"p1","seq":0,"content":""}`)); err != nil {
		t.Fatalf("empty content should validate: %v", err)
	}
}

func TestDecode_TelaoRegister(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"telao_register","view":"main"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.(TelaoRegister); !ok {
		t.Fatalf("want TelaoRegister, got %T", msg)
	}
}
