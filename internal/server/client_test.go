package server_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/sharechat/internal/server"
	"github.com/Tyrowin/sharechat/internal/testhelpers"
)

// TestJoinAndChat covers the join notice and a chat line seen by another
// session and echoed back to the sender.
func TestJoinAndChat(t *testing.T) {
	srv := startServer(t, nil)

	bob := testhelpers.Join(t, srv.addr, "Bob")
	ann := testhelpers.Join(t, srv.addr, "Ann")

	bob.Expect("* Ann joined the chat *\n")

	ann.Send("hello")
	bob.Expect(fixedStamp + " Ann: hello\n")
	ann.Expect(fixedStamp + " Ann: hello\n")
}

func TestJoinNoticeExcludesNewSession(t *testing.T) {
	srv := startServer(t, nil)

	ann := testhelpers.Join(t, srv.addr, "Ann")
	ann.ExpectNone("joined the chat", 200*time.Millisecond)
}

func TestEmptyNameGetsGeneratedName(t *testing.T) {
	srv := startServer(t, nil)

	c := testhelpers.Dial(t, srv.addr)
	c.Handshake("   ")

	c.Send("/users")
	line := c.ExpectLine("  1. ")
	assert.Equal(t, "  1. User_"+c.LocalAddr()+"\n", line)
}

func TestUsersListsEverySessionInOrder(t *testing.T) {
	srv := startServer(t, nil)

	a := testhelpers.Join(t, srv.addr, "A")
	b := testhelpers.Join(t, srv.addr, "B")
	c := testhelpers.Join(t, srv.addr, "C")

	want := "[USERS] Online users:\n  1. A\n  2. B\n  3. C\n"
	for _, client := range []*testhelpers.ChatClient{a, b, c} {
		client.Send("/users")
		out := client.Expect("  3. C\n")
		assert.True(t, strings.HasSuffix(out, want), "got %q", out)
	}
}

func TestDuplicateNamesAllowed(t *testing.T) {
	srv := startServer(t, nil)

	first := testhelpers.Join(t, srv.addr, "Sam")
	testhelpers.Join(t, srv.addr, "Sam")

	first.Send("/users")
	first.Expect("[USERS] Online users:\n  1. Sam\n  2. Sam\n")
	assert.Equal(t, 2, srv.Hub().Sessions().Len())
}

func TestQuitRemovesSessionAndAnnouncesOnce(t *testing.T) {
	srv := startServer(t, nil)

	a := testhelpers.Join(t, srv.addr, "A")
	b := testhelpers.Join(t, srv.addr, "B")
	c := testhelpers.Join(t, srv.addr, "C")
	a.Expect("* C joined the chat *\n")

	b.Send("/quit")
	b.Expect("[BYE] Goodbye!\n")
	b.ExpectClosed()

	a.Expect("* B left the chat *\n")
	c.Expect("* B left the chat *\n")

	a.Send("/users")
	a.Expect("[USERS] Online users:\n  1. A\n  2. C\n")
	a.ExpectNone("left the chat", 200*time.Millisecond)
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	srv := startServer(t, nil)

	a := testhelpers.Join(t, srv.addr, "A")
	b := testhelpers.Join(t, srv.addr, "B")

	require.NoError(t, b.Close())
	a.Expect("* B left the chat *\n")
	waitFor(t, func() bool { return srv.Hub().Sessions().Len() == 1 })
}

func TestHelpResendsWelcome(t *testing.T) {
	srv := startServer(t, nil)
	a := testhelpers.Join(t, srv.addr, "A")

	a.Send("/help")
	out := a.Expect(testhelpers.WelcomeTrailer)
	assert.Contains(t, out, "Welcome to the Distributed Chat, A!")
	assert.Contains(t, out, "/download      - Download a file")
}

func TestFilesWhenEmpty(t *testing.T) {
	srv := startServer(t, nil)
	a := testhelpers.Join(t, srv.addr, "A")

	a.Send("/files")
	a.Expect("[FILES] No files available yet.\n")
}

func TestEmptyPayloadIsIgnored(t *testing.T) {
	srv := startServer(t, nil)
	a := testhelpers.Join(t, srv.addr, "A")

	a.Send("  \n")
	a.ExpectNone("]", 200*time.Millisecond)

	a.Send("still here")
	a.Expect(fixedStamp + " A: still here\n")
}

func TestInvalidUTF8IsDropped(t *testing.T) {
	srv := startServer(t, nil)
	a := testhelpers.Join(t, srv.addr, "A")

	a.SendBytes([]byte("caf\xffé"))
	a.Expect(fixedStamp + " A: café\n")
}

func TestChatRateLimit(t *testing.T) {
	srv := startServer(t, func(cfg *server.Config) {
		cfg.RateLimit.Burst = 1
		cfg.RateLimit.RefillInterval = time.Hour
	})
	a := testhelpers.Join(t, srv.addr, "A")

	a.Send("one")
	a.Expect(fixedStamp + " A: one\n")

	a.Send("two")
	a.Expect("[ERROR] Rate limit exceeded, message discarded\n")

	// Commands are not rate limited.
	a.Send("/users")
	a.Expect("  1. A\n")
}

func TestHandshakeAbandonedDoesNotRegister(t *testing.T) {
	srv := startServer(t, nil)

	c := testhelpers.Dial(t, srv.addr)
	c.Expect("Enter your name: ")
	require.NoError(t, c.Close())

	a := testhelpers.Join(t, srv.addr, "A")
	a.Send("/users")
	a.Expect("[USERS] Online users:\n  1. A\n")
	assert.Equal(t, 1, srv.Hub().Sessions().Len())
}

func TestSessionJoinIsLogged(t *testing.T) {
	srv := startServer(t, nil)
	testhelpers.Join(t, srv.addr, "Ann")

	waitFor(t, func() bool {
		for _, entry := range srv.logs.AllEntries() {
			if entry.Message == "Session joined" && entry.Data["user"] == "Ann" {
				return true
			}
		}
		return false
	})
}

func TestShutdownClosesClients(t *testing.T) {
	srv := startServer(t, nil)

	a := testhelpers.Join(t, srv.addr, "A")
	pending := testhelpers.Dial(t, srv.addr)
	pending.Expect("Enter your name: ")

	require.NoError(t, srv.Shutdown(5*time.Second))
	a.ExpectClosed()
	pending.ExpectClosed()
	assert.Zero(t, srv.Hub().Sessions().Len())
}
