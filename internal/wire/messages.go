package wire

import "fmt"

// StartupParams holds the key/value pairs of a frontend StartupMessage.
type StartupParams map[string]string

// ParseStartup decodes a StartupMessage body as returned by
// ReadStartup: the protocol version word followed by the key/value
// pairs. version is that word; for an SSLRequest or CancelRequest
// callers should check it before calling ParseStartup.
func ParseStartup(body []byte) (version uint32, params StartupParams, err error) {
	buf := NewBufferFrom(body)
	v, err := buf.ReadUint32()
	if err != nil {
		return 0, nil, err
	}
	params = make(StartupParams)
	for buf.Remaining() > 0 {
		key, err := buf.ReadString()
		if err != nil {
			return 0, nil, err
		}
		if key == "" {
			break
		}
		val, err := buf.ReadString()
		if err != nil {
			return 0, nil, err
		}
		params[key] = val
	}
	return v, params, nil
}

// CancelRequest is the payload of the special tag-less cancel packet.
type CancelRequest struct {
	BackendPID uint32
	SecretKey  uint32
}

// ParseCancelRequest decodes a CancelRequest body as returned by
// ReadStartup, skipping its leading code word.
func ParseCancelRequest(body []byte) (CancelRequest, error) {
	buf := NewBufferFrom(body)
	if _, err := buf.ReadUint32(); err != nil { // skip the code, already matched by caller
		return CancelRequest{}, err
	}
	pid, err := buf.ReadUint32()
	if err != nil {
		return CancelRequest{}, err
	}
	secret, err := buf.ReadUint32()
	if err != nil {
		return CancelRequest{}, err
	}
	return CancelRequest{BackendPID: pid, SecretKey: secret}, nil
}

// --- Backend -> frontend builders ---

func BuildAuthenticationOK() (byte, []byte) {
	b := NewBuffer(4)
	b.WriteUint32(AuthOK)
	return MsgAuthentication, b.Bytes()
}

func BuildAuthenticationCleartext() (byte, []byte) {
	b := NewBuffer(4)
	b.WriteUint32(AuthCleartextPassword)
	return MsgAuthentication, b.Bytes()
}

func BuildAuthenticationMD5(salt [4]byte) (byte, []byte) {
	b := NewBuffer(8)
	b.WriteUint32(AuthMD5Password)
	b.WriteBytes(salt[:])
	return MsgAuthentication, b.Bytes()
}

func BuildAuthenticationSASL(mechanisms []string) (byte, []byte) {
	b := NewBuffer(16)
	b.WriteUint32(AuthSASL)
	for _, m := range mechanisms {
		b.WriteString(m)
	}
	b.WriteByte(0)
	return MsgAuthentication, b.Bytes()
}

func BuildAuthenticationSASLContinue(data []byte) (byte, []byte) {
	b := NewBuffer(4 + len(data))
	b.WriteUint32(AuthSASLContinue)
	b.WriteBytes(data)
	return MsgAuthentication, b.Bytes()
}

func BuildAuthenticationSASLFinal(data []byte) (byte, []byte) {
	b := NewBuffer(4 + len(data))
	b.WriteUint32(AuthSASLFinal)
	b.WriteBytes(data)
	return MsgAuthentication, b.Bytes()
}

func BuildParameterStatus(name, value string) (byte, []byte) {
	b := NewBuffer(len(name) + len(value) + 2)
	b.WriteString(name)
	b.WriteString(value)
	return MsgParameterStatus, b.Bytes()
}

func BuildBackendKeyData(pid, secret uint32) (byte, []byte) {
	b := NewBuffer(8)
	b.WriteUint32(pid)
	b.WriteUint32(secret)
	return MsgBackendKeyData, b.Bytes()
}

func BuildReadyForQuery(status byte) (byte, []byte) {
	return MsgReadyForQuery, []byte{status}
}

// ErrorFields maps PG ErrorResponse/NoticeResponse field type bytes to
// their string value; built with FieldSeverity/FieldCode/... keys.
type ErrorFields map[byte]string

func buildErrorLike(tag byte, fields ErrorFields) (byte, []byte) {
	b := NewBuffer(64)
	// Deterministic order keeps tests and logs stable.
	order := []byte{FieldSeverity, FieldCode, FieldMessage, FieldDetail, FieldHint}
	seen := map[byte]bool{}
	for _, k := range order {
		if v, ok := fields[k]; ok {
			b.WriteByte(k)
			b.WriteString(v)
			seen[k] = true
		}
	}
	for k, v := range fields {
		if !seen[k] {
			b.WriteByte(k)
			b.WriteString(v)
		}
	}
	b.WriteByte(0)
	return tag, b.Bytes()
}

// BuildErrorResponse builds an ErrorResponse ('E') with severity,
// SQLSTATE code and message, matching spec.md section 7's contract
// that every proxy-originated error carries a real SQLSTATE.
func BuildErrorResponse(severity, code, message string) (byte, []byte) {
	return buildErrorLike(MsgErrorResponse, ErrorFields{
		FieldSeverity: severity,
		FieldCode:     code,
		FieldMessage:  message,
	})
}

func BuildNoticeResponse(severity, code, message string) (byte, []byte) {
	return buildErrorLike(MsgNoticeResponse, ErrorFields{
		FieldSeverity: severity,
		FieldCode:     code,
		FieldMessage:  message,
	})
}

// Field describes one RowDescription column.
type Field struct {
	Name         string
	TableOID     uint32
	ColumnAttr   uint16
	TypeOID      uint32
	TypeSize     int16
	TypeModifier int32
	FormatCode   uint16
}

func BuildRowDescription(fields []Field) (byte, []byte) {
	b := NewBuffer(32 * (len(fields) + 1))
	b.WriteUint16(uint16(len(fields)))
	for _, f := range fields {
		b.WriteString(f.Name)
		b.WriteUint32(f.TableOID)
		b.WriteUint16(f.ColumnAttr)
		b.WriteUint32(f.TypeOID)
		b.WriteUint16(uint16(f.TypeSize))
		b.WriteInt32(f.TypeModifier)
		b.WriteUint16(f.FormatCode)
	}
	return MsgRowDescription, b.Bytes()
}

// BuildDataRow encodes one row of column values in text format. A nil
// entry encodes SQL NULL (-1 length), matching the teacher's
// buildDataRow convention.
func BuildDataRow(values [][]byte) (byte, []byte) {
	b := NewBuffer(16 * (len(values) + 1))
	b.WriteUint16(uint16(len(values)))
	for _, v := range values {
		if v == nil {
			b.WriteInt32(-1)
			continue
		}
		b.WriteInt32(int32(len(v)))
		b.WriteBytes(v)
	}
	return MsgDataRow, b.Bytes()
}

func BuildCommandComplete(tag string) (byte, []byte) {
	b := NewBuffer(len(tag) + 1)
	b.WriteString(tag)
	return MsgCommandComplete, b.Bytes()
}

func BuildParseComplete() (byte, []byte)  { return MsgParseComplete, nil }
func BuildBindComplete() (byte, []byte)   { return MsgBindComplete, nil }
func BuildCloseComplete() (byte, []byte)  { return MsgCloseComplete, nil }
func BuildNoData() (byte, []byte)         { return MsgNoData, nil }
func BuildEmptyQueryResp() (byte, []byte) { return MsgEmptyQueryResponse, nil }

func BuildParameterDescription(oids []uint32) (byte, []byte) {
	b := NewBuffer(2 + 4*len(oids))
	b.WriteUint16(uint16(len(oids)))
	for _, o := range oids {
		b.WriteUint32(o)
	}
	return MsgParameterDescription, b.Bytes()
}

func BuildCopyResponse(tag byte, binary bool, columnFormats []uint16) (byte, []byte) {
	b := NewBuffer(3 + 2*len(columnFormats))
	if binary {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
	b.WriteUint16(uint16(len(columnFormats)))
	for _, f := range columnFormats {
		b.WriteUint16(f)
	}
	return tag, b.Bytes()
}

// --- Frontend -> backend parsers ---

// ParseMessage is the decoded body of a Parse ('P') message.
type ParseMessage struct {
	StatementName string
	Query         string
	ParamOIDs     []uint32
}

func ParseParse(payload []byte) (ParseMessage, error) {
	b := NewBufferFrom(payload)
	name, err := b.ReadString()
	if err != nil {
		return ParseMessage{}, err
	}
	query, err := b.ReadString()
	if err != nil {
		return ParseMessage{}, err
	}
	n, err := b.ReadUint16()
	if err != nil {
		return ParseMessage{}, err
	}
	oids := make([]uint32, n)
	for i := range oids {
		oids[i], err = b.ReadUint32()
		if err != nil {
			return ParseMessage{}, err
		}
	}
	return ParseMessage{StatementName: name, Query: query, ParamOIDs: oids}, nil
}

// BindMessage is the decoded body of a Bind ('B') message.
type BindMessage struct {
	PortalName     string
	StatementName  string
	ParamFormats   []uint16
	Params         [][]byte // nil element == SQL NULL
	ResultFormats  []uint16
}

func ParseBind(payload []byte) (BindMessage, error) {
	b := NewBufferFrom(payload)
	var m BindMessage
	var err error
	if m.PortalName, err = b.ReadString(); err != nil {
		return m, err
	}
	if m.StatementName, err = b.ReadString(); err != nil {
		return m, err
	}
	nFormats, err := b.ReadUint16()
	if err != nil {
		return m, err
	}
	m.ParamFormats = make([]uint16, nFormats)
	for i := range m.ParamFormats {
		if m.ParamFormats[i], err = b.ReadUint16(); err != nil {
			return m, err
		}
	}
	nParams, err := b.ReadUint16()
	if err != nil {
		return m, err
	}
	m.Params = make([][]byte, nParams)
	for i := range m.Params {
		length, err := b.ReadInt32()
		if err != nil {
			return m, err
		}
		if length < 0 {
			m.Params[i] = nil
			continue
		}
		v, err := b.ReadBytes(int(length))
		if err != nil {
			return m, err
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		m.Params[i] = cp
	}
	nResults, err := b.ReadUint16()
	if err != nil {
		return m, err
	}
	m.ResultFormats = make([]uint16, nResults)
	for i := range m.ResultFormats {
		if m.ResultFormats[i], err = b.ReadUint16(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// DescribeMessage is the decoded body of a Describe ('D') message.
type DescribeMessage struct {
	IsStatement bool // true for 'S', false for 'P' (portal)
	Name        string
}

func ParseDescribe(payload []byte) (DescribeMessage, error) {
	if len(payload) < 1 {
		return DescribeMessage{}, fmt.Errorf("wire: empty Describe payload")
	}
	kind := payload[0]
	b := NewBufferFrom(payload[1:])
	name, err := b.ReadString()
	if err != nil {
		return DescribeMessage{}, err
	}
	return DescribeMessage{IsStatement: kind == 'S', Name: name}, nil
}

// CloseMessage is the decoded body of a Close ('C') message.
type CloseMessage struct {
	IsStatement bool
	Name        string
}

func ParseClose(payload []byte) (CloseMessage, error) {
	if len(payload) < 1 {
		return CloseMessage{}, fmt.Errorf("wire: empty Close payload")
	}
	kind := payload[0]
	b := NewBufferFrom(payload[1:])
	name, err := b.ReadString()
	if err != nil {
		return CloseMessage{}, err
	}
	return CloseMessage{IsStatement: kind == 'S', Name: name}, nil
}

// ExecuteMessage is the decoded body of an Execute ('E') message.
type ExecuteMessage struct {
	PortalName string
	MaxRows    int32
}

func ParseExecute(payload []byte) (ExecuteMessage, error) {
	b := NewBufferFrom(payload)
	name, err := b.ReadString()
	if err != nil {
		return ExecuteMessage{}, err
	}
	maxRows, err := b.ReadInt32()
	if err != nil {
		return ExecuteMessage{}, err
	}
	return ExecuteMessage{PortalName: name, MaxRows: maxRows}, nil
}

// ParseQuery decodes a simple Query ('Q') message body: a single
// null-terminated SQL string.
func ParseQuery(payload []byte) (string, error) {
	b := NewBufferFrom(payload)
	return b.ReadString()
}

// --- Frontend -> backend builders (used to re-encode a rewritten
// extended-protocol message before forwarding it to a server
// connection, since the rewriter changes the statement name in place
// on the decoded struct). ---

func BuildParse(m ParseMessage) (byte, []byte) {
	b := NewBuffer(len(m.StatementName) + len(m.Query) + 8)
	b.WriteString(m.StatementName)
	b.WriteString(m.Query)
	b.WriteUint16(uint16(len(m.ParamOIDs)))
	for _, oid := range m.ParamOIDs {
		b.WriteUint32(oid)
	}
	return MsgParse, b.Bytes()
}

func BuildBind(m BindMessage) (byte, []byte) {
	b := NewBuffer(len(m.PortalName) + len(m.StatementName) + 16)
	b.WriteString(m.PortalName)
	b.WriteString(m.StatementName)
	b.WriteUint16(uint16(len(m.ParamFormats)))
	for _, f := range m.ParamFormats {
		b.WriteUint16(f)
	}
	b.WriteUint16(uint16(len(m.Params)))
	for _, v := range m.Params {
		if v == nil {
			b.WriteInt32(-1)
			continue
		}
		b.WriteInt32(int32(len(v)))
		b.WriteBytes(v)
	}
	b.WriteUint16(uint16(len(m.ResultFormats)))
	for _, f := range m.ResultFormats {
		b.WriteUint16(f)
	}
	return MsgBind, b.Bytes()
}

func BuildDescribe(m DescribeMessage) (byte, []byte) {
	kind := byte('P')
	if m.IsStatement {
		kind = 'S'
	}
	b := NewBuffer(len(m.Name) + 2)
	b.WriteByte(kind)
	b.WriteString(m.Name)
	return MsgDescribe, b.Bytes()
}

func BuildExecute(m ExecuteMessage) (byte, []byte) {
	b := NewBuffer(len(m.PortalName) + 5)
	b.WriteString(m.PortalName)
	b.WriteInt32(m.MaxRows)
	return MsgExecute, b.Bytes()
}

func BuildClose(m CloseMessage) (byte, []byte) {
	kind := byte('P')
	if m.IsStatement {
		kind = 'S'
	}
	b := NewBuffer(len(m.Name) + 2)
	b.WriteByte(kind)
	b.WriteString(m.Name)
	return MsgClose, b.Bytes()
}

func BuildSync() (byte, []byte) { return MsgSync, nil }

// --- Backend -> frontend parsers (used when relaying/merging server
// responses, e.g. the aggregator's cross-shard fan-in). ---

// ParseDataRow decodes a DataRow ('D' backend) body into its column
// values, nil meaning SQL NULL, mirroring BuildDataRow's encoding.
func ParseDataRow(payload []byte) ([][]byte, error) {
	b := NewBufferFrom(payload)
	n, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	values := make([][]byte, n)
	for i := range values {
		length, err := b.ReadInt32()
		if err != nil {
			return nil, err
		}
		if length < 0 {
			continue
		}
		v, err := b.ReadBytes(int(length))
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		values[i] = cp
	}
	return values, nil
}

// ParseCommandComplete decodes a CommandComplete ('C' backend) body
// into its command tag string (e.g. "SELECT 3").
func ParseCommandComplete(payload []byte) (string, error) {
	b := NewBufferFrom(payload)
	return b.ReadString()
}

// ParseRowDescriptionFields returns the field names a RowDescription
// body describes, without allocating Field structs -- used to build
// the aggregator's ColumnIndex by name.
func ParseRowDescriptionFields(payload []byte) ([]string, error) {
	b := NewBufferFrom(payload)
	n, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	names := make([]string, n)
	for i := range names {
		name, err := b.ReadString()
		if err != nil {
			return nil, err
		}
		names[i] = name
		if _, err := b.ReadUint32(); err != nil { // table OID
			return nil, err
		}
		if _, err := b.ReadUint16(); err != nil { // column attr number
			return nil, err
		}
		if _, err := b.ReadUint32(); err != nil { // type OID
			return nil, err
		}
		if _, err := b.ReadUint16(); err != nil { // type size
			return nil, err
		}
		if _, err := b.ReadInt32(); err != nil { // type modifier
			return nil, err
		}
		if _, err := b.ReadUint16(); err != nil { // format code
			return nil, err
		}
	}
	return names, nil
}

// ParseErrorFields decodes an ErrorResponse/NoticeResponse body into
// its field map.
func ParseErrorFields(payload []byte) (ErrorFields, error) {
	fields := make(ErrorFields)
	b := NewBufferFrom(payload)
	for {
		tag, err := b.ReadByte()
		if err != nil {
			return nil, err
		}
		if tag == 0 {
			return fields, nil
		}
		val, err := b.ReadString()
		if err != nil {
			return nil, err
		}
		fields[tag] = val
	}
}
