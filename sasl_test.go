package amqpsasl

import (
	"fmt"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golang-auth/go-amqp-sasl/common"
	"github.com/golang-auth/go-amqp-sasl/frames"
)

func TestRoleAssignment(t *testing.T) {
	s := newSasl()

	// everything requires a role first
	assert.ErrorIs(t, s.Send([]byte("x")), common.ErrNoRole)
	assert.ErrorIs(t, s.SetMechanisms("PLAIN"), common.ErrNoRole)
	_, err := s.Recv(make([]byte, 4))
	assert.ErrorIs(t, err, common.ErrNoRole)
	assert.ErrorIs(t, s.Done(OutcomeOK), common.ErrNoRole)

	assert.NoError(t, s.Client())
	assert.NoError(t, s.Client(), "assigning the same role again is harmless")
	assert.ErrorIs(t, s.Server(), common.ErrRoleAssigned)

	s = newSasl()
	assert.NoError(t, s.Server())
	assert.ErrorIs(t, s.Client(), common.ErrRoleAssigned)
}

func TestRoleGuards(t *testing.T) {
	cli := newSasl()
	require.NoError(t, cli.Client())

	assert.ErrorIs(t, cli.Done(OutcomeOK), common.ErrServerOnly)
	_, err := cli.Hostname()
	assert.ErrorIs(t, err, common.ErrServerOnly)

	srv := newSasl()
	require.NoError(t, srv.Server())

	assert.ErrorIs(t, srv.SetRemoteHostname("foo.bar.com"), common.ErrClientOnly)
}

func TestSetMechanisms(t *testing.T) {
	cli := newSasl()
	require.NoError(t, cli.Client())

	assert.Error(t, cli.SetMechanisms("PLAIN", "ANONYMOUS"), "a client selects exactly one mechanism")
	assert.Error(t, cli.SetMechanisms("bad-mech-name"), "lower case is not allowed")
	assert.Error(t, cli.SetMechanisms(""), "empty names are not allowed")
	assert.ErrorIs(t, cli.SetMechanisms(), common.ErrNoMechanisms)

	assert.NoError(t, cli.SetMechanisms("PLAIN"))
	assert.ErrorIs(t, cli.SetMechanisms("PLAIN"), common.ErrMechanismsSet)

	srv := newSasl()
	require.NoError(t, srv.Server())

	assert.Error(t, srv.SetMechanisms("PLAIN", "PLAIN"), "duplicates are not allowed")
	assert.NoError(t, srv.SetMechanisms("PLAIN", "ANONYMOUS", "EXTERNAL"))
}

func TestServerAdvertisementMustFitOneFrame(t *testing.T) {
	srv := newSasl()
	require.NoError(t, srv.Server())

	names := make([]string, 30)
	for i := range names {
		names[i] = fmt.Sprintf("MECHANISMNUMBER%05d", i)
	}

	// sasl-mechanisms cannot be split, so an advertisement that
	// cannot fit the minimum frame size is refused up front
	assert.ErrorContains(t, srv.SetMechanisms(names...), "too long")
	assert.NoError(t, srv.SetMechanisms(names[:10]...))
}

func TestSendRecv(t *testing.T) {
	srv := newSasl()
	require.NoError(t, srv.Server())

	assert.ErrorIs(t, srv.Send([]byte("x")), common.ErrNoMechanisms, "sending needs mechanisms configured")
	require.NoError(t, srv.SetMechanisms("PLAIN"))
	assert.NoError(t, srv.Send([]byte("abc")))

	// outbound bytes are not readable locally
	assert.Zero(t, srv.Pending())

	require.NoError(t, srv.handleFrame(&frames.Init{Mechanism: "PLAIN", InitialResponse: []byte("hello world")}))
	assert.Equal(t, 11, srv.Pending())

	// partial reads drain the queue in order
	buf := make([]byte, 5)
	n, err := srv.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, 6, srv.Pending())

	buf = make([]byte, 16)
	n, err = srv.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, " world", string(buf[:n]))

	n, err = srv.Recv(buf)
	require.NoError(t, err, "reading an empty queue is not an error")
	assert.Zero(t, n)
}

func TestDone(t *testing.T) {
	srv := newSasl()
	require.NoError(t, srv.Server())
	require.NoError(t, srv.SetMechanisms("PLAIN"))

	assert.Error(t, srv.Done(OutcomeNone), "none is not a declarable outcome")
	assert.Error(t, srv.Done(Outcome(7)))

	assert.False(t, srv.Complete())
	assert.Equal(t, OutcomeNone, srv.Outcome())

	assert.NoError(t, srv.Done(OutcomeAuth))
	assert.True(t, srv.Complete())
	assert.Equal(t, OutcomeAuth, srv.Outcome())

	assert.ErrorIs(t, srv.Done(OutcomeOK), common.ErrOutcomeDeclared)
	assert.ErrorIs(t, srv.Send([]byte("late")), common.ErrComplete)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "none", OutcomeNone.String())
	assert.Equal(t, "ok", OutcomeOK.String())
	assert.Equal(t, "auth", OutcomeAuth.String())
	assert.Equal(t, "sys", OutcomeSys.String())
	assert.Equal(t, "sys-perm", OutcomeSysPerm.String())
	assert.Equal(t, "sys-temp", OutcomeSysTemp.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}

func TestRemoteMechanismsIsACopy(t *testing.T) {
	cli := newSasl()
	require.NoError(t, cli.Client())

	// empty, not nil or an error, before the peer has said anything
	assert.Empty(t, cli.RemoteMechanisms())

	require.NoError(t, cli.handleFrame(&frames.Mechanisms{Mechanisms: []string{"PLAIN", "EXTERNAL"}}))

	got := cli.RemoteMechanisms()
	got[0] = "MANGLED"
	assert.Equal(t, []string{"PLAIN", "EXTERNAL"}, cli.RemoteMechanisms())
}

func TestHostnameValidation(t *testing.T) {
	cli := newSasl()
	require.NoError(t, cli.Client())

	assert.NoError(t, cli.SetRemoteHostname("foo.bar.com"))
	assert.NoError(t, cli.SetRemoteHostname("foo"))
	assert.NoError(t, cli.SetRemoteHostname(""), "clearing the hostname is allowed")
	assert.Error(t, cli.SetRemoteHostname("invalid-.hostname"))
	assert.Error(t, cli.SetRemoteHostname(strings.Repeat("a", 256)))
}

func TestFrameSequencingRules(t *testing.T) {
	cli := newSasl()
	require.NoError(t, cli.Client())
	srv := newSasl()
	require.NoError(t, srv.Server())

	// frames only the other role may receive
	assert.ErrorContains(t, cli.handleFrame(&frames.Init{Mechanism: "PLAIN"}), "only a server")
	assert.ErrorContains(t, cli.handleFrame(&frames.Response{}), "only a server")
	assert.ErrorContains(t, srv.handleFrame(&frames.Mechanisms{Mechanisms: []string{"PLAIN"}}), "only a client")
	assert.ErrorContains(t, srv.handleFrame(&frames.Challenge{}), "only a client")
	assert.ErrorContains(t, srv.handleFrame(&frames.Outcome{Code: frames.CodeOK}), "only a client")

	// ordering violations
	assert.ErrorContains(t, cli.handleFrame(&frames.Challenge{Challenge: []byte("x")}), "before sasl-init")
	assert.ErrorContains(t, srv.handleFrame(&frames.Response{Response: []byte("x")}), "before sasl-init")
	assert.ErrorContains(t, srv.handleFrame(&frames.Init{}), "empty mechanism")

	require.NoError(t, cli.handleFrame(&frames.Mechanisms{Mechanisms: []string{"PLAIN"}}))
	assert.ErrorContains(t, cli.handleFrame(&frames.Mechanisms{Mechanisms: []string{"PLAIN"}}), "repeated")

	require.NoError(t, srv.handleFrame(&frames.Init{Mechanism: "PLAIN"}))
	assert.ErrorContains(t, srv.handleFrame(&frames.Init{Mechanism: "PLAIN"}), "repeated")

	// unknown outcome codes are rejected
	assert.ErrorContains(t, cli.handleFrame(&frames.Outcome{Code: frames.Code(9)}), "unknown outcome code")

	// a sequencing error is a protocol error
	err := cli.handleFrame(&frames.Mechanisms{Mechanisms: []string{"PLAIN"}})
	var pe common.ProtocolError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, "sasl-mechanisms", pe.Performative)
}

func TestClientEmission(t *testing.T) {
	cli := newSasl()
	require.NoError(t, cli.Client())

	assert.Empty(t, cli.pendingFrames(), "nothing to emit before a mechanism is selected")

	require.NoError(t, cli.SetMechanisms("PLAIN"))
	require.NoError(t, cli.Send([]byte("creds")))

	out := cli.pendingFrames()
	require.Len(t, out, 1)
	init := out[0].(*frames.Init)
	assert.Equal(t, "PLAIN", init.Mechanism)
	assert.Equal(t, []byte("creds"), init.InitialResponse)

	assert.Empty(t, cli.pendingFrames(), "sasl-init is emitted once")

	// later sends become responses
	require.NoError(t, cli.Send([]byte("more")))
	out = cli.pendingFrames()
	require.Len(t, out, 1)
	assert.Equal(t, []byte("more"), out[0].(*frames.Response).Response)
}

func TestClientInitialResponsePresence(t *testing.T) {
	// no send at all: the initial response field is absent
	cli := newSasl()
	require.NoError(t, cli.Client())
	require.NoError(t, cli.SetMechanisms("ANONYMOUS"))
	init := cli.pendingFrames()[0].(*frames.Init)
	assert.Nil(t, init.InitialResponse)

	// a zero length send travels as an empty, present field
	cli = newSasl()
	require.NoError(t, cli.Client())
	require.NoError(t, cli.SetMechanisms("ANONYMOUS"))
	require.NoError(t, cli.Send([]byte{}))
	init = cli.pendingFrames()[0].(*frames.Init)
	assert.NotNil(t, init.InitialResponse)
	assert.Empty(t, init.InitialResponse)
}

func TestServerEmission(t *testing.T) {
	srv := newSasl()
	require.NoError(t, srv.Server())
	require.NoError(t, srv.SetMechanisms("PLAIN", "ANONYMOUS"))

	out := srv.pendingFrames()
	require.Len(t, out, 1)
	assert.Equal(t, []string{"PLAIN", "ANONYMOUS"}, out[0].(*frames.Mechanisms).Mechanisms)
	assert.Empty(t, srv.pendingFrames(), "the advertisement is emitted once")

	// a challenge waits for sasl-init
	require.NoError(t, srv.Send([]byte("who goes there")))
	assert.Empty(t, srv.pendingFrames())

	require.NoError(t, srv.handleFrame(&frames.Init{Mechanism: "PLAIN"}))
	out = srv.pendingFrames()
	require.Len(t, out, 1)
	assert.Equal(t, []byte("who goes there"), out[0].(*frames.Challenge).Challenge)
}

func TestQueuedBytesBecomeAdditionalData(t *testing.T) {
	srv := newSasl()
	require.NoError(t, srv.Server())
	require.NoError(t, srv.SetMechanisms("PLAIN"))
	require.NoError(t, srv.handleFrame(&frames.Init{Mechanism: "PLAIN", InitialResponse: []byte("x")}))
	srv.pendingFrames() // emit the advertisement

	require.NoError(t, srv.Send([]byte("server-final")))
	require.NoError(t, srv.Done(OutcomeOK))

	out := srv.pendingFrames()
	require.Len(t, out, 1)
	outcome := out[0].(*frames.Outcome)
	assert.Equal(t, frames.CodeOK, outcome.Code)
	assert.Equal(t, []byte("server-final"), outcome.AdditionalData)

	assert.Empty(t, srv.pendingFrames(), "the outcome is emitted once")
}

func TestOutcomeVisibleAtomically(t *testing.T) {
	cli := newSasl()
	require.NoError(t, cli.Client())
	require.NoError(t, cli.handleFrame(&frames.Mechanisms{Mechanisms: []string{"PLAIN"}}))
	require.NoError(t, cli.SetMechanisms("PLAIN"))
	cli.pendingFrames()

	require.NoError(t, cli.handleFrame(&frames.Outcome{Code: frames.CodeOK, AdditionalData: []byte("v=sig")}))

	assert.True(t, cli.Complete())
	assert.Equal(t, OutcomeOK, cli.Outcome())
	assert.Equal(t, 5, cli.Pending(), "additional data arrives with the outcome")

	// reading remains legal after completion
	buf := make([]byte, 16)
	n, err := cli.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, "v=sig", string(buf[:n]))
}

func TestLogging(t *testing.T) {
	sb := strings.Builder{}
	loggerD := log.New(&sb, "testD: ", 0)
	loggerE := log.New(&sb, "testE: ", 0)

	tr, err := NewTransport(
		WithDebugLogger(loggerD),
		WithErrorLogger(loggerE),
	)
	require.NoError(t, err)

	// the loggers reach the engine as well as the transport
	require.NoError(t, tr.Sasl().Client())
	tr.Debugf("debug testing 1 2 3")
	tr.Errorf("error testing 1 2 3")

	assert.Contains(t, sb.String(), "testD: acting as sasl client\n")
	assert.Contains(t, sb.String(), "testD: debug testing 1 2 3\n")
	assert.Contains(t, sb.String(), "testE: error testing 1 2 3\n")
}
