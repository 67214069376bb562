package riva

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rbright/hark/internal/listen"
)

// Field numbers from nvidia.riva.asr (riva_asr.proto).
const (
	encodingLinearPCM = 1

	fieldRecognitionEncoding     = 1
	fieldRecognitionSampleRate   = 2
	fieldRecognitionLanguage     = 3
	fieldRecognitionMaxAlts      = 4
	fieldRecognitionChannelCount = 7
	fieldRecognitionPunctuation  = 11
	fieldRecognitionModel        = 13

	fieldStreamingConfig  = 1
	fieldStreamingInterim = 2

	fieldRequestConfig = 1
	fieldRequestAudio  = 2

	fieldResponseResults = 1
	fieldResultAlts      = 1
	fieldResultIsFinal   = 2
	fieldAltTranscript   = 1
)

// rawCodec passes pre-encoded protobuf frames through gRPC untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *[]byte:
		return *m, nil
	case []byte:
		return m, nil
	default:
		return nil, fmt.Errorf("raw codec cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec cannot unmarshal into %T", v)
	}
	*m = append((*m)[:0], data...)
	return nil
}

// Name keeps the standard content-subtype so servers decode frames as protobuf.
func (rawCodec) Name() string {
	return "proto"
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// encodeConfigRequest builds the StreamingRecognizeRequest carrying
// StreamingRecognitionConfig, which must be the first frame on a stream.
func encodeConfigRequest(cc listen.ChannelConfig, punctuation bool) []byte {
	var rc []byte
	rc = appendVarintField(rc, fieldRecognitionEncoding, encodingLinearPCM)
	rc = appendVarintField(rc, fieldRecognitionSampleRate, uint64(cc.SampleRate))
	rc = appendBytesField(rc, fieldRecognitionLanguage, []byte(cc.Language))
	rc = appendVarintField(rc, fieldRecognitionMaxAlts, 1)
	rc = appendVarintField(rc, fieldRecognitionChannelCount, uint64(cc.Channels))
	rc = appendBoolField(rc, fieldRecognitionPunctuation, punctuation)
	rc = appendBytesField(rc, fieldRecognitionModel, []byte(cc.Model))

	var sc []byte
	sc = protowire.AppendTag(sc, fieldStreamingConfig, protowire.BytesType)
	sc = protowire.AppendBytes(sc, rc)
	sc = appendBoolField(sc, fieldStreamingInterim, cc.InterimResults)

	var req []byte
	req = protowire.AppendTag(req, fieldRequestConfig, protowire.BytesType)
	return protowire.AppendBytes(req, sc)
}

func encodeAudioRequest(chunk []byte) []byte {
	req := make([]byte, 0, len(chunk)+8)
	req = protowire.AppendTag(req, fieldRequestAudio, protowire.BytesType)
	return protowire.AppendBytes(req, chunk)
}

// decodeResponse extracts the first alternative of every result in a
// StreamingRecognizeResponse. Results without alternatives are skipped.
func decodeResponse(b []byte) ([]listen.Transcript, error) {
	var out []listen.Transcript
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != fieldResponseResults || typ != protowire.BytesType {
			return nil
		}
		t, ok, err := decodeResult(v)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func decodeResult(b []byte) (listen.Transcript, bool, error) {
	var (
		t     listen.Transcript
		found bool
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == fieldResultAlts && typ == protowire.BytesType && !found:
			text, err := decodeAlternative(v)
			if err != nil {
				return err
			}
			t.Text = text
			found = true
		case num == fieldResultIsFinal && typ == protowire.VarintType:
			t.Final = n != 0
		}
		return nil
	})
	return t, found, err
}

func decodeAlternative(b []byte) (string, error) {
	var text string
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num == fieldAltTranscript && typ == protowire.BytesType {
			text = string(v)
		}
		return nil
	})
	return text, err
}

// walkFields visits each field, passing length-delimited payloads as v and
// varints as n. Other wire types are skipped.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := visit(num, typ, v, 0); err != nil {
				return err
			}
			b = b[m:]
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := visit(num, typ, nil, v); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}
