package ldap

import (
	"fmt"
	"math"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Codec converts requests to PDUs and PDUs to messages.
type Codec interface {
	Encode(id MessageID, req Request, controls []ldap.Control) ([]byte, error)
	Decode(pdu []byte) (*Message, error)
}

// BERCodec is the standard BER encoding of LDAPv3 messages.
type BERCodec struct{}

// NewBERCodec returns the BER codec.
func NewBERCodec() *BERCodec {
	return &BERCodec{}
}

// Encode wraps the request in a message envelope with optional controls.
func (c *BERCodec) Encode(id MessageID, req Request, controls []ldap.Control) ([]byte, error) {
	if req == nil {
		return nil, newInternalError("encode", fmt.Errorf("nil request"))
	}

	want, err := req.Kind().tag()
	if err != nil {
		return nil, err
	}

	op, err := req.encode()
	if err != nil {
		return nil, newUsageError(req.Kind().String(), err)
	}
	if op.Tag != want || op.ClassType != ber.ClassApplication {
		return nil, newInternalError("encode",
			fmt.Errorf("%w: %s request encoded with tag %d", ErrUnknownOperation, req.Kind(), op.Tag))
	}

	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Request")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(id), "MessageID"))
	envelope.AppendChild(op)

	if len(controls) > 0 {
		packet := ber.Encode(ber.ClassContext, ber.TypeConstructed, 0, nil, "Controls")
		for _, control := range controls {
			packet.AppendChild(control.Encode())
		}
		envelope.AppendChild(packet)
	}

	return envelope.Bytes(), nil
}

// Decode parses one response PDU.
func (c *BERCodec) Decode(pdu []byte) (*Message, error) {
	packet, err := ber.DecodePacketErr(pdu)
	if err != nil {
		return nil, fmt.Errorf("decoding PDU: %w", err)
	}

	if len(packet.Children) < 2 {
		return nil, fmt.Errorf("malformed message: expected at least 2 children, got %d", len(packet.Children))
	}

	id, err := packetInt(packet.Children[0])
	if err != nil {
		return nil, fmt.Errorf("malformed message id: %w", err)
	}

	op := packet.Children[1]
	if op.ClassType != ber.ClassApplication {
		return nil, fmt.Errorf("malformed message: protocol operation is not application-tagged")
	}

	msg := &Message{ID: MessageID(id), Op: op.Tag}

	switch op.Tag {
	case ldap.ApplicationSearchResultEntry:
		msg.Entry, err = decodeEntry(op)
	case ldap.ApplicationSearchResultReference:
		for _, child := range op.Children {
			msg.References = append(msg.References, packetString(child))
		}
	case ldap.ApplicationIntermediateResponse:
	case ldap.ApplicationBindResponse,
		ldap.ApplicationSearchResultDone,
		ldap.ApplicationModifyResponse,
		ldap.ApplicationAddResponse,
		ldap.ApplicationDelResponse,
		ldap.ApplicationModifyDNResponse,
		ldap.ApplicationCompareResponse,
		ldap.ApplicationExtendedResponse:
		msg.Result, err = decodeResult(op)
	default:
		err = fmt.Errorf("unexpected protocol operation tag %d", op.Tag)
	}
	if err != nil {
		return nil, err
	}

	if len(packet.Children) > 2 {
		controls := packet.Children[2]
		if controls.ClassType == ber.ClassContext && controls.Tag == 0 {
			for _, child := range controls.Children {
				control, err := ldap.DecodeControl(child)
				if err != nil {
					return nil, fmt.Errorf("decoding control: %w", err)
				}
				msg.Controls = append(msg.Controls, control)
			}
		}
	}

	return msg, nil
}

func decodeResult(op *ber.Packet) (*Result, error) {
	if len(op.Children) < 3 {
		return nil, fmt.Errorf("malformed result: expected at least 3 children, got %d", len(op.Children))
	}

	code, err := packetInt(op.Children[0])
	if err != nil {
		return nil, fmt.Errorf("malformed result code: %w", err)
	}
	if code < 0 || code > math.MaxUint16 {
		return nil, fmt.Errorf("malformed result code: %d out of range", code)
	}

	result := &Result{
		Code:       uint16(code),
		MatchedDN:  packetString(op.Children[1]),
		Diagnostic: packetString(op.Children[2]),
	}

	for _, child := range op.Children[3:] {
		if child.ClassType != ber.ClassContext {
			continue
		}
		switch child.Tag {
		case 3:
			for _, referral := range child.Children {
				result.Referrals = append(result.Referrals, packetString(referral))
			}
		case 7:
			result.ServerSASLCredentials = packetBytes(child)
		case 10:
			result.ResponseName = packetString(child)
		case 11:
			result.ResponseValue = packetBytes(child)
		}
	}

	return result, nil
}

func decodeEntry(op *ber.Packet) (*ldap.Entry, error) {
	if len(op.Children) < 2 {
		return nil, fmt.Errorf("malformed search entry: expected 2 children, got %d", len(op.Children))
	}

	entry := &ldap.Entry{DN: packetString(op.Children[0])}
	for _, child := range op.Children[1].Children {
		if len(child.Children) < 2 {
			return nil, fmt.Errorf("malformed attribute in entry %q", entry.DN)
		}
		attribute := &ldap.EntryAttribute{Name: packetString(child.Children[0])}
		for _, value := range child.Children[1].Children {
			raw := packetBytes(value)
			attribute.Values = append(attribute.Values, string(raw))
			attribute.ByteValues = append(attribute.ByteValues, raw)
		}
		entry.Attributes = append(entry.Attributes, attribute)
	}
	return entry, nil
}

func packetInt(p *ber.Packet) (int64, error) {
	switch v := p.Value.(type) {
	case int64:
		return v, nil
	default:
		if p.Data == nil || p.Data.Len() == 0 {
			return 0, fmt.Errorf("expected integer, got %T", p.Value)
		}
		return ber.ParseInt64(p.Data.Bytes())
	}
}

func packetString(p *ber.Packet) string {
	if p == nil || p.Data == nil {
		return ""
	}
	return p.Data.String()
}

func packetBytes(p *ber.Packet) []byte {
	if p == nil || p.Data == nil {
		return nil
	}
	return append([]byte(nil), p.Data.Bytes()...)
}
