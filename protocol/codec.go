package protocol

import (
	"errors"
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMessageTooLarge is returned when an encoded message exceeds the datagram ceiling.
	ErrMessageTooLarge = errors.New("message exceeds maximum datagram size")

	// ErrMalformed is returned when a datagram cannot be decoded.
	ErrMalformed = errors.New("malformed message")
)

// Envelope field numbers.
const (
	fieldType    protowire.Number = 1
	fieldCommand protowire.Number = 2
	fieldStatus  protowire.Number = 3
	fieldRef     protowire.Number = 4
	fieldArgs    protowire.Number = 5
	fieldBody    protowire.Number = 6
)

// Args field numbers.
const (
	argUserName  protowire.Number = 1
	argPort      protowire.Number = 2
	argN         protowire.Number = 3
	argI         protowire.Number = 4
	argPrev      protowire.Number = 5
	argNext      protowire.Number = 6
	argLeader    protowire.Number = 7
	argRecord    protowire.Number = 8
	argKey       protowire.Number = 9
	argRequester protowire.Number = 10
	argOrigin    protowire.Number = 11
)

// Body field numbers.
const (
	bodyIdentities protowire.Number = 1
	bodyRecord     protowire.Number = 2
	bodyReason     protowire.Number = 3
)

// Identity and record field numbers.
const (
	identityName    protowire.Number = 1
	identityControl protowire.Number = 2
	identityData    protowire.Number = 3

	recordField protowire.Number = 1
	fieldName   protowire.Number = 1
	fieldValue  protowire.Number = 2
)

// Marshal encodes m in the compact wire format. Zero-valued fields are omitted.
func Marshal(m Message) []byte {
	var b []byte
	b = appendVarint(b, fieldType, uint64(m.Type))
	b = appendString(b, fieldCommand, m.Command)
	b = appendVarint(b, fieldStatus, uint64(m.Status))
	b = appendString(b, fieldRef, m.Ref)
	b = appendMessage(b, fieldArgs, marshalArgs(m.Args))
	b = appendMessage(b, fieldBody, marshalBody(m.Body))
	return b
}

// Unmarshal decodes a message produced by Marshal.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Type = Type(v)
			return n, nil
		case num == fieldCommand && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Command = v
			return n, nil
		case num == fieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Status = Status(v)
			return n, nil
		case num == fieldRef && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Ref = v
			return n, nil
		case num == fieldArgs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			args, err := unmarshalArgs(v)
			m.Args = args
			return n, err
		case num == fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			body, err := unmarshalBody(v)
			m.Body = body
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Message{}, err
	}

	if m.Type != TypeRequest && m.Type != TypeResponse {
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, m.Type)
	}

	return m, nil
}

func marshalArgs(a Args) []byte {
	var b []byte
	b = appendString(b, argUserName, a.UserName)
	b = appendVarint(b, argPort, uint64(a.Port))
	b = appendVarint(b, argN, uint64(a.N))
	b = appendVarint(b, argI, uint64(a.I))
	b = appendMessage(b, argPrev, marshalIdentity(a.Prev))
	b = appendMessage(b, argNext, marshalIdentity(a.Next))
	b = appendMessage(b, argLeader, marshalIdentity(a.Leader))
	b = appendMessage(b, argRecord, marshalRecord(a.Record))
	b = appendString(b, argKey, a.Key)
	b = appendAddr(b, argRequester, a.Requester)
	b = appendMessage(b, argOrigin, marshalIdentity(a.Origin))
	return b
}

func unmarshalArgs(b []byte) (Args, error) {
	var a Args
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case argPort:
				a.Port = int(v)
			case argN:
				a.N = int(v)
			case argI:
				a.I = int(v)
			}
			return n, nil
		}
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		var err error
		switch num {
		case argUserName:
			a.UserName = string(v)
		case argKey:
			a.Key = string(v)
		case argPrev:
			a.Prev, err = unmarshalIdentity(v)
		case argNext:
			a.Next, err = unmarshalIdentity(v)
		case argLeader:
			a.Leader, err = unmarshalIdentity(v)
		case argOrigin:
			a.Origin, err = unmarshalIdentity(v)
		case argRecord:
			a.Record, err = unmarshalRecord(v)
		case argRequester:
			a.Requester, err = parseAddr(v)
		}
		return n, err
	})
	return a, err
}

func marshalBody(body Body) []byte {
	var b []byte
	for _, id := range body.Identities {
		b = protowire.AppendTag(b, bodyIdentities, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalIdentity(id))
	}
	b = appendMessage(b, bodyRecord, marshalRecord(body.Record))
	b = appendString(b, bodyReason, body.Reason)
	return b
}

func unmarshalBody(b []byte) (Body, error) {
	var body Body
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		switch num {
		case bodyIdentities:
			id, err := unmarshalIdentity(v)
			if err != nil {
				return n, err
			}
			body.Identities = append(body.Identities, id)
		case bodyRecord:
			record, err := unmarshalRecord(v)
			if err != nil {
				return n, err
			}
			body.Record = record
		case bodyReason:
			body.Reason = string(v)
		}
		return n, nil
	})
	return body, err
}

func marshalIdentity(id Identity) []byte {
	if id.IsZero() {
		return nil
	}

	var b []byte
	b = appendString(b, identityName, id.Name)
	b = appendAddr(b, identityControl, id.Control)
	b = appendAddr(b, identityData, id.Data)
	return b
}

func unmarshalIdentity(b []byte) (Identity, error) {
	var id Identity
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		var err error
		switch num {
		case identityName:
			id.Name = string(v)
		case identityControl:
			id.Control, err = parseAddr(v)
		case identityData:
			id.Data, err = parseAddr(v)
		}
		return n, err
	})
	return id, err
}

func marshalRecord(r Record) []byte {
	var b []byte
	for _, name := range r.Fields() {
		var field []byte
		field = protowire.AppendTag(field, fieldName, protowire.BytesType)
		field = protowire.AppendString(field, name)
		field = appendString(field, fieldValue, r[name])

		b = protowire.AppendTag(b, recordField, protowire.BytesType)
		b = protowire.AppendBytes(b, field)
	}
	return b
}

func unmarshalRecord(b []byte) (Record, error) {
	var r = make(Record)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != recordField || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		var name, value string
		err := consumeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if typ != protowire.BytesType {
				return protowire.ConsumeFieldValue(num, typ, b), nil
			}
			s, n := protowire.ConsumeString(b)
			switch num {
			case fieldName:
				name = s
			case fieldValue:
				value = s
			}
			return n, nil
		})
		r[name] = value
		return n, err
	})
	return r, err
}

// consumeFields walks the top-level fields of b, handing each value to fn.
// fn returns the number of bytes it consumed, negative on a protowire error.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendAddr(b []byte, num protowire.Number, addr netip.AddrPort) []byte {
	if !addr.IsValid() {
		return b
	}
	return appendString(b, num, addr.String())
}

func parseAddr(v []byte) (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(string(v))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return addr, nil
}
