package pool

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mevdschee/pgdog/internal/topology"
	"github.com/mevdschee/pgdog/internal/wire"
)

// Credentials names the user/password/database a sub-pool dials with.
type Credentials struct {
	User     string
	Password string
	Database string
}

// dial opens a new backend connection and drives it through the PG v3
// startup handshake to ReadyForQuery, authenticating with whichever
// method the backend challenges with. Grounded on the pack's
// db-bouncer authenticatePG (other_examples db-bouncer pool.go), which
// runs the identical state machine over a raw net.Conn; this version
// is rebuilt on top of internal/wire's typed framing instead of
// hand-rolled byte slicing, and adds SCRAM-SHA-256 using the client
// half of internal/wire's SCRAM implementation.
func dial(ctx context.Context, ep topology.Endpoint, creds Credentials, connectTimeout time.Duration) (*ServerConnection, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pool: dial %s: %w", addr, err)
	}

	sc := newServerConnection(nc, ep)
	if err := startup(ctx, sc, creds); err != nil {
		nc.Close()
		return nil, err
	}
	return sc, nil
}

func startup(ctx context.Context, sc *ServerConnection, creds Credentials) error {
	params := wire.StartupParams{
		"user":     creds.User,
		"database": creds.Database,
	}
	body := wire.NewBuffer(64)
	body.WriteUint32(wire.ProtocolVersion3)
	for k, v := range params {
		body.WriteString(k)
		body.WriteString(v)
	}
	body.WriteByte(0)

	full := wire.NewBuffer(4 + body.Len())
	full.WriteInt32(int32(4 + body.Len()))
	full.WriteBytes(body.Bytes())
	if _, err := sc.Conn.Raw().Write(full.Bytes()); err != nil {
		return fmt.Errorf("pool: send startup: %w", err)
	}

	for {
		msg, err := sc.Conn.ReadMessage(ctx)
		if err != nil {
			return fmt.Errorf("pool: read during startup: %w", err)
		}
		switch msg.Type {
		case wire.MsgAuthentication:
			done, err := handleAuth(ctx, sc, msg.Payload, creds)
			if err != nil {
				return err
			}
			if done {
				continue
			}
		case wire.MsgParameterStatus:
			buf := wire.NewBufferFrom(msg.Payload)
			name, _ := buf.ReadString()
			value, _ := buf.ReadString()
			sc.SetParam(name, value)
		case wire.MsgBackendKeyData:
			buf := wire.NewBufferFrom(msg.Payload)
			pid, _ := buf.ReadUint32()
			secret, _ := buf.ReadUint32()
			sc.BackendPID, sc.SecretKey = pid, secret
		case wire.MsgReadyForQuery:
			if len(msg.Payload) > 0 {
				sc.SetTxState(TxState(msg.Payload[0]))
			}
			return nil
		case wire.MsgErrorResponse:
			return fmt.Errorf("pool: backend error during startup: %s", parseErrorFields(msg.Payload))
		}
	}
}

func handleAuth(ctx context.Context, sc *ServerConnection, payload []byte, creds Credentials) (bool, error) {
	buf := wire.NewBufferFrom(payload)
	code, err := buf.ReadUint32()
	if err != nil {
		return false, err
	}
	switch code {
	case wire.AuthOK:
		return true, nil
	case wire.AuthCleartextPassword:
		return true, sendPassword(sc, creds.Password)
	case wire.AuthMD5Password:
		saltBytes, err := buf.ReadBytes(4)
		if err != nil {
			return false, err
		}
		var salt [4]byte
		copy(salt[:], saltBytes)
		return true, sendPassword(sc, wire.ComputeMD5Password(creds.User, creds.Password, salt))
	case wire.AuthSASL:
		return true, scramDial(ctx, sc, creds)
	default:
		return false, fmt.Errorf("pool: unsupported backend auth method %d", code)
	}
}

func sendPassword(sc *ServerConnection, password string) error {
	body := wire.NewBuffer(len(password) + 1)
	body.WriteString(password)
	return sc.Conn.WriteMessage(wire.MsgPasswordMsg, body.Bytes())
}

func scramDial(ctx context.Context, sc *ServerConnection, creds Credentials) error {
	client := wire.NewSCRAMClient(creds.User, creds.Password)

	first := client.FirstMessage()
	body := wire.NewBuffer(len(first) + 32)
	body.WriteString("SCRAM-SHA-256")
	body.WriteInt32(int32(len(first)))
	body.WriteBytes([]byte(first))
	if err := sc.Conn.WriteMessage(wire.MsgPasswordMsg, body.Bytes()); err != nil {
		return err
	}

	msg, err := sc.Conn.ReadMessage(ctx)
	if err != nil {
		return err
	}
	if msg.Type != wire.MsgAuthentication {
		return fmt.Errorf("pool: expected SASLContinue, got %q", msg.Type)
	}
	continueBuf := wire.NewBufferFrom(msg.Payload)
	subCode, _ := continueBuf.ReadUint32()
	if subCode != wire.AuthSASLContinue {
		return fmt.Errorf("pool: expected AuthenticationSASLContinue, got code %d", subCode)
	}
	serverFirst := string(msg.Payload[4:])

	final, err := client.FinalMessage(serverFirst)
	if err != nil {
		return err
	}
	if err := sc.Conn.WriteMessage(wire.MsgPasswordMsg, []byte(final)); err != nil {
		return err
	}

	msg, err = sc.Conn.ReadMessage(ctx)
	if err != nil {
		return err
	}
	if msg.Type != wire.MsgAuthentication {
		return fmt.Errorf("pool: expected SASLFinal, got %q", msg.Type)
	}
	finalBuf := wire.NewBufferFrom(msg.Payload)
	subCode, _ = finalBuf.ReadUint32()
	if subCode != wire.AuthSASLFinal {
		return fmt.Errorf("pool: expected AuthenticationSASLFinal, got code %d", subCode)
	}
	return client.VerifyServerFinal(string(msg.Payload[4:]))
}

func parseErrorFields(payload []byte) string {
	buf := wire.NewBufferFrom(payload)
	var message string
	for {
		tag, err := buf.ReadByte()
		if err != nil || tag == 0 {
			break
		}
		value, err := buf.ReadString()
		if err != nil {
			break
		}
		if tag == wire.FieldMessage {
			message = value
		}
	}
	return message
}
