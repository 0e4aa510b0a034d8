package ldap

import (
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mislabeledRequest encodes itself under the wrong application tag.
type mislabeledRequest struct{}

func (mislabeledRequest) Kind() OperationKind { return OpDelete }

func (mislabeledRequest) encode() (*ber.Packet, error) {
	return ber.NewString(ber.ClassApplication, ber.TypePrimitive, ldap.ApplicationSearchRequest, "cn=a", "Delete Request"), nil
}

func TestBERCodec_Encode(t *testing.T) {
	codec := NewBERCodec()

	tests := []struct {
		name    string
		req     Request
		tag     ber.Tag
		inspect func(t *testing.T, op *ber.Packet)
	}{
		{
			name: "simple bind",
			req:  &BindRequest{Name: "cn=svc,o=test", Password: "secret"},
			tag:  ldap.ApplicationBindRequest,
			inspect: func(t *testing.T, op *ber.Packet) {
				version, err := packetInt(op.Children[0])
				require.NoError(t, err)
				assert.Equal(t, int64(3), version)
				assert.Equal(t, "cn=svc,o=test", packetString(op.Children[1]))
				assert.Equal(t, "secret", packetString(op.Children[2]))
			},
		},
		{
			name: "sasl bind without credentials",
			req:  &BindRequest{Mechanism: MechanismExternal},
			tag:  ldap.ApplicationBindRequest,
			inspect: func(t *testing.T, op *ber.Packet) {
				auth := op.Children[2]
				assert.Equal(t, ber.Tag(3), auth.Tag)
				require.Len(t, auth.Children, 1)
				assert.Equal(t, MechanismExternal, packetString(auth.Children[0]))
			},
		},
		{
			name: "search defaults",
			req:  &SearchRequest{BaseDN: "o=test", Scope: ScopeWholeSubtree},
			tag:  ldap.ApplicationSearchRequest,
			inspect: func(t *testing.T, op *ber.Packet) {
				require.Len(t, op.Children, 8)
				assert.Equal(t, "o=test", packetString(op.Children[0]))
				scope, err := packetInt(op.Children[1])
				require.NoError(t, err)
				assert.Equal(t, int64(ScopeWholeSubtree), scope)

				filter, err := ldap.DecompileFilter(op.Children[6])
				require.NoError(t, err)
				assert.Equal(t, "(objectClass=*)", filter)

				attributes := op.Children[7].Children
				require.Len(t, attributes, 1)
				assert.Equal(t, NoAttributes, packetString(attributes[0]))
			},
		},
		{
			name: "modify dn with new superior",
			req:  &ModifyDNRequest{DN: "cn=a,ou=old,o=test", NewRDN: "cn=a", DeleteOldRDN: true, NewSuperior: "ou=new,o=test"},
			tag:  ldap.ApplicationModifyDNRequest,
			inspect: func(t *testing.T, op *ber.Packet) {
				require.Len(t, op.Children, 4)
				assert.Equal(t, "ou=new,o=test", packetString(op.Children[3]))
			},
		},
		{
			name: "abandon",
			req:  &AbandonRequest{MessageID: 12},
			tag:  ldap.ApplicationAbandonRequest,
			inspect: func(t *testing.T, op *ber.Packet) {
				id, err := packetInt(op)
				require.NoError(t, err)
				assert.Equal(t, int64(12), id)
			},
		},
		{
			name: "unbind",
			req:  &UnbindRequest{},
			tag:  ldap.ApplicationUnbindRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu, err := codec.Encode(42, tt.req, nil)
			require.NoError(t, err)

			packet, err := ber.DecodePacketErr(pdu)
			require.NoError(t, err)
			require.Len(t, packet.Children, 2, "no controls element without controls")

			id, err := packetInt(packet.Children[0])
			require.NoError(t, err)
			assert.Equal(t, int64(42), id)

			op := packet.Children[1]
			assert.Equal(t, ber.ClassApplication, op.ClassType)
			assert.Equal(t, tt.tag, op.Tag)
			if tt.inspect != nil {
				tt.inspect(t, op)
			}
		})
	}
}

func TestBERCodec_EncodeControls(t *testing.T) {
	pdu, err := NewBERCodec().Encode(1, &SearchRequest{BaseDN: "o=test"}, []ldap.Control{
		ldap.NewControlPaging(100),
		ldap.NewControlManageDsaIT(true),
	})
	require.NoError(t, err)

	packet, err := ber.DecodePacketErr(pdu)
	require.NoError(t, err)
	require.Len(t, packet.Children, 3)

	controls := packet.Children[2]
	assert.Equal(t, ber.ClassContext, controls.ClassType)
	require.Len(t, controls.Children, 2)

	paging, err := ldap.DecodeControl(controls.Children[0])
	require.NoError(t, err)
	assert.Equal(t, ldap.ControlTypePaging, paging.GetControlType())

	manage, err := ldap.DecodeControl(controls.Children[1])
	require.NoError(t, err)
	assert.Equal(t, ldap.ControlTypeManageDsaIT, manage.GetControlType())
}

func TestBERCodec_EncodeErrors(t *testing.T) {
	codec := NewBERCodec()

	_, err := codec.Encode(1, nil, nil)
	require.Error(t, err)
	assert.True(t, IsInternalError(err))

	_, err = codec.Encode(1, mislabeledRequest{}, nil)
	require.Error(t, err)
	assert.True(t, IsInternalError(err))
	assert.ErrorIs(t, err, ErrUnknownOperation)

	_, err = codec.Encode(1, &SearchRequest{Filter: "(cn=a"}, nil)
	require.Error(t, err)
	assert.True(t, IsUsageError(err))
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = codec.Encode(1, &ExtendedRequest{}, nil)
	require.Error(t, err)
	assert.True(t, IsUsageError(err))
}

func TestBERCodec_Decode(t *testing.T) {
	codec := NewBERCodec()

	t.Run("search entry", func(t *testing.T) {
		r := entryReply("cn=a,o=test", map[string][]string{
			"cn":          {"a"},
			"objectClass": {"top", "person"},
		})
		msg, err := codec.Decode(encodeReply(5, r.op, nil))
		require.NoError(t, err)

		assert.Equal(t, MessageID(5), msg.ID)
		assert.Equal(t, ber.Tag(ldap.ApplicationSearchResultEntry), msg.Op)
		assert.False(t, msg.final())
		require.NotNil(t, msg.Entry)
		assert.Equal(t, "cn=a,o=test", msg.Entry.DN)
		assert.Equal(t, []string{"top", "person"}, msg.Entry.GetAttributeValues("objectClass"))
		assert.Equal(t, [][]byte{[]byte("a")}, msg.Entry.GetRawAttributeValues("cn"))
	})

	t.Run("search reference", func(t *testing.T) {
		msg, err := codec.Decode(encodeReply(5, referenceOp("ldap://dc2.example.com/o=test", "ldap://dc3.example.com/o=test"), nil))
		require.NoError(t, err)
		assert.False(t, msg.final())
		assert.Equal(t, []string{"ldap://dc2.example.com/o=test", "ldap://dc3.example.com/o=test"}, msg.References)
	})

	t.Run("search done with paging control", func(t *testing.T) {
		r := searchDoneReply(ldap.LDAPResultSuccess, pagingReply("next"))
		msg, err := codec.Decode(encodeReply(5, r.op, r.controls))
		require.NoError(t, err)
		assert.True(t, msg.final())
		assert.True(t, msg.Result.Success())

		paging, ok := ldap.FindControl(msg.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		require.True(t, ok)
		assert.Equal(t, []byte("next"), paging.Cookie)
	})

	t.Run("failed result with diagnostic", func(t *testing.T) {
		op := resultOp(ldap.ApplicationModifyResponse, ldap.LDAPResultInsufficientAccessRights, "access denied")
		msg, err := codec.Decode(encodeReply(9, op, nil))
		require.NoError(t, err)
		assert.Equal(t, uint16(ldap.LDAPResultInsufficientAccessRights), msg.Result.Code)
		assert.Equal(t, "access denied", msg.Result.Diagnostic)
		assert.Equal(t, "Insufficient Access Rights", msg.Result.Description())
	})

	t.Run("bind with server credentials", func(t *testing.T) {
		r := bindReply(ldap.LDAPResultSaslBindInProgress, []byte("challenge"))
		msg, err := codec.Decode(encodeReply(1, r.op, nil))
		require.NoError(t, err)
		assert.Equal(t, []byte("challenge"), msg.Result.ServerSASLCredentials)
	})

	t.Run("extended response", func(t *testing.T) {
		r := extendedReply(ldap.LDAPResultSuccess, "1.3.6.1.4.1.4203.1.11.3", []byte("u:svc"))
		msg, err := codec.Decode(encodeReply(3, r.op, nil))
		require.NoError(t, err)
		assert.Equal(t, "1.3.6.1.4.1.4203.1.11.3", msg.Result.ResponseName)
		assert.Equal(t, []byte("u:svc"), msg.Result.ResponseValue)
	})

	t.Run("referral", func(t *testing.T) {
		op := resultOp(ldap.ApplicationSearchResultDone, ldap.LDAPResultReferral, "")
		referrals := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "Referral")
		referrals.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "ldap://dc2.example.com/o=test", "URI"))
		op.AppendChild(referrals)

		msg, err := codec.Decode(encodeReply(4, op, nil))
		require.NoError(t, err)
		assert.Equal(t, []string{"ldap://dc2.example.com/o=test"}, msg.Result.Referrals)
	})
}

func TestBERCodec_DecodeMalformed(t *testing.T) {
	codec := NewBERCodec()

	onlyID := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	onlyID.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, 1, "MessageID"))

	universalOp := ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "x", "op")

	unknownOp := ber.Encode(ber.ClassApplication, ber.TypeConstructed, 30, nil, "op")

	shortResult := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationDelResponse, nil, "op")
	shortResult.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, 0, "resultCode"))

	resultWithCode := func(code int64) *ber.Packet {
		op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationDelResponse, nil, "op")
		op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, code, "resultCode"))
		op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "matchedDN"))
		op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "diagnosticMessage"))
		return op
	}

	tests := []struct {
		name string
		pdu  []byte
	}{
		{name: "garbage", pdu: []byte{0x30, 0x84, 0xff}},
		{name: "missing operation", pdu: onlyID.Bytes()},
		{name: "universal operation", pdu: encodeReply(1, universalOp, nil)},
		{name: "unknown operation", pdu: encodeReply(1, unknownOp, nil)},
		{name: "short result", pdu: encodeReply(1, shortResult, nil)},
		{name: "negative result code", pdu: encodeReply(1, resultWithCode(-1), nil)},
		{name: "result code too large", pdu: encodeReply(1, resultWithCode(70000), nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := codec.Decode(tt.pdu)
			assert.Error(t, err)
			assert.Nil(t, msg)
		})
	}
}
