package handshake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xic/cipher"
	"xic/message"
	"xic/rpcerr"
	"xic/secret"
)

func creds(identity, password string) Credentials {
	return func() (string, string, bool) { return identity, password, true }
}

func newStore(t *testing.T) *secret.VerifierStore {
	t.Helper()
	s := secret.NewVerifierStore()
	require.NoError(t, s.AddPassword("alice", "secret"))
	return s
}

// run drives both machines until one stops producing replies.
func run(t *testing.T, srv *Server, cli *Client) (srvErr, cliErr error) {
	t.Helper()
	first, ok := srv.Start().(*message.Check)
	require.True(t, ok)
	msg := first
	for toClient := true; msg != nil; toClient = !toClient {
		if toClient {
			msg, cliErr = cli.Step(msg)
			if cliErr != nil && msg == nil {
				return
			}
		} else {
			msg, srvErr = srv.Step(msg)
			if srvErr != nil && msg == nil {
				return
			}
		}
	}
	return
}

func TestHandshakeSuccess(t *testing.T) {
	for _, suite := range []cipher.Suite{cipher.None, cipher.AES128EAX, cipher.AES256EAX, cipher.AES256EAXIV} {
		t.Run(suite.String(), func(t *testing.T) {
			srv := NewServer(newStore(t), suite)
			cli := NewClient(creds("alice", "secret"))

			srvErr, cliErr := run(t, srv, cli)
			require.NoError(t, srvErr)
			require.NoError(t, cliErr)
			assert.True(t, srv.Done())
			assert.True(t, cli.Done())
			assert.Equal(t, "alice", srv.Identity())

			if suite == cipher.None {
				assert.Nil(t, srv.Cipher())
				assert.Nil(t, cli.Cipher())
				return
			}
			require.NotNil(t, srv.Cipher())
			require.NotNil(t, cli.Cipher())
			assert.Equal(t, suite, cli.Cipher().Suite())

			// both ends derived the same key: a client frame opens on the server
			header := []byte{'X', '!', 'Q', byte(suite), 0, 0, 0, 5}
			enc, err := cli.Cipher().EncryptStart(header)
			require.NoError(t, err)
			body := []byte("hello")
			enc.Update(body)
			tag := enc.Finish()

			dec, err := srv.Cipher().DecryptStart(header, enc.IV())
			require.NoError(t, err)
			dec.Update(body)
			assert.True(t, dec.Verify(tag))
			assert.Equal(t, "hello", string(body))
		})
	}
}

func TestHandshakeWithoutStoreSendsHello(t *testing.T) {
	srv := NewServer(nil, cipher.AES128EAX)
	assert.False(t, srv.Required())
	_, ok := srv.Start().(*message.Hello)
	assert.True(t, ok)
	assert.True(t, srv.Done())
	assert.Nil(t, srv.Cipher())
}

func TestHandshakeUnknownIdentity(t *testing.T) {
	srv := NewServer(newStore(t), cipher.AES128EAX)
	cli := NewClient(creds("mallory", "secret"))

	srvErr, cliErr := run(t, srv, cli)
	assert.True(t, rpcerr.Is(srvErr, rpcerr.KindAuthentication))
	assert.True(t, rpcerr.Is(cliErr, rpcerr.KindAuthentication))
	assert.Equal(t, StateForbidden, srv.State())
	assert.Equal(t, StateForbidden, cli.State())
	assert.ErrorContains(t, cliErr, "unknown identity")
}

func TestHandshakeWrongPassword(t *testing.T) {
	srv := NewServer(newStore(t), cipher.AES128EAX)
	cli := NewClient(creds("alice", "wrong"))

	srvErr, cliErr := run(t, srv, cli)
	assert.True(t, rpcerr.Is(srvErr, rpcerr.KindAuthentication))
	assert.True(t, rpcerr.Is(cliErr, rpcerr.KindAuthentication))
	assert.False(t, cli.Done())
	assert.Empty(t, srv.Identity())
}

func TestHandshakeClientWithoutCredentials(t *testing.T) {
	srv := NewServer(newStore(t), cipher.AES128EAX)
	cli := NewClient(nil)

	reply, err := cli.Step(srv.Start().(*message.Check))
	require.NotNil(t, reply)
	assert.Equal(t, CmdForbidden, reply.Cmd)
	assert.True(t, rpcerr.Is(err, rpcerr.KindAuthentication))

	_, err = srv.Step(reply)
	assert.True(t, rpcerr.Is(err, rpcerr.KindAuthentication))
	assert.Equal(t, StateForbidden, srv.State())
}

func TestHandshakeTamperedProof(t *testing.T) {
	srv := NewServer(newStore(t), cipher.AES128EAX)
	cli := NewClient(creds("alice", "secret"))

	m, err := cli.Step(srv.Start().(*message.Check))
	require.NoError(t, err)
	m, err = srv.Step(m)
	require.NoError(t, err)
	m, err = cli.Step(m)
	require.NoError(t, err)
	m, err = srv.Step(m)
	require.NoError(t, err)

	m2 := append([]byte(nil), m.Bytes("M2")...)
	m2[0] ^= 1
	m.Args["M2"] = m2
	reply, err := cli.Step(m)
	assert.True(t, rpcerr.Is(err, rpcerr.KindAuthentication))
	assert.Equal(t, CmdForbidden, reply.Cmd)
	assert.Nil(t, cli.Cipher())
}

func TestHandshakeUnexpectedCheck(t *testing.T) {
	cli := NewClient(creds("alice", "secret"))
	reply, err := cli.Step(message.NewCheck(CmdSRP6a4))
	assert.True(t, rpcerr.Is(err, rpcerr.KindProtocol))
	assert.Equal(t, CmdForbidden, reply.Cmd)

	srv := NewServer(newStore(t), cipher.AES128EAX)
	srv.Start()
	_, err = srv.Step(message.NewCheck(CmdSRP6a3))
	assert.True(t, rpcerr.Is(err, rpcerr.KindProtocol))
}

func TestHandshakeUnknownMethod(t *testing.T) {
	cli := NewClient(creds("alice", "secret"))
	chk := message.NewCheck(CmdAuthenticate)
	chk.Args["method"] = "PLAIN"
	_, err := cli.Step(chk)
	assert.True(t, rpcerr.Is(err, rpcerr.KindAuthentication))
}
