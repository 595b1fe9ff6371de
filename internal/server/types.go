// Package server defines the wire texts exchanged with chat clients and the
// helpers that decode payloads and classify connection errors.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/Tyrowin/sharechat/internal/files"
)

// Commands recognized in the ACTIVE state.
const (
	cmdQuit     = "/quit"
	cmdUsers    = "/users"
	cmdFiles    = "/files"
	cmdUpload   = "/upload"
	cmdDownload = "/download"
	cmdHelp     = "/help"
)

// Protocol tokens shared by both transfer directions.
const (
	tokenReady   = "READY"
	tokenOK      = "OK"
	tokenError   = "ERROR"
	metaSep      = "|"
	chatTimeFmt  = "15:04:05"
	namePrompt   = "Enter your name: "
	msgGoodbye   = "[BYE] Goodbye!\n"
	msgNoFiles   = "[FILES] No files available yet.\n"
	msgUploadGo  = "[UPLOAD] Ready to receive file. Send metadata.\n"
	msgRateLimit = "[ERROR] Rate limit exceeded, message discarded\n"
)

// Download failure reasons.
const (
	reasonNotFound       = "File not found"
	reasonNotOnServer    = "File not found on server"
	reasonNoFilename     = "No filename provided"
	reasonStorageFailure = "Could not read file"
)

func welcomeText(name string) string {
	return fmt.Sprintf(`
Welcome to the Distributed Chat, %s!
Commands:
  /quit          - Exit the chat
  /users         - List online users
  /files         - List shared files
  /upload        - Upload a file
  /download      - Download a file
  /help          - Show this help message

Type your message to chat with everyone!
----------------------------------------
`, name)
}

func joinNotice(name string) string {
	return fmt.Sprintf("* %s joined the chat *\n", name)
}

func leaveNotice(name string) string {
	return fmt.Sprintf("* %s left the chat *\n", name)
}

func chatLine(at time.Time, name, text string) string {
	return fmt.Sprintf("[%s] %s: %s\n", at.Format(chatTimeFmt), name, text)
}

func userList(names []string) string {
	var b strings.Builder
	b.WriteString("[USERS] Online users:\n")
	for i, name := range names {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, name)
	}
	return b.String()
}

func fileList(records []files.Record) string {
	if len(records) == 0 {
		return msgNoFiles
	}

	var b strings.Builder
	b.WriteString("[FILES] Available files:\n")
	for i, rec := range records {
		fmt.Fprintf(&b, "  %d. %s (%d bytes) - uploaded by %s at %s\n",
			i+1, rec.Name, rec.Size, rec.Uploader, rec.UploadedAt.Format(files.TimestampLayout))
	}
	return b.String()
}

func uploadSuccess(filename string) string {
	return fmt.Sprintf("[SUCCESS] File '%s' uploaded successfully!\n", filename)
}

func uploadNotice(name, filename string, size int64) string {
	return fmt.Sprintf("[FILE] %s uploaded '%s' (%d bytes)\n", name, filename, size)
}

func errorLine(format string, args ...any) string {
	return "[ERROR] " + fmt.Sprintf(format, args...) + "\n"
}

func downloadOK(size int64) string {
	return fmt.Sprintf("%s%s%d", tokenOK, metaSep, size)
}

func downloadError(reason string) string {
	return tokenError + metaSep + reason
}

// decodePayload turns raw bytes into trimmed text, dropping invalid UTF-8.
func decodePayload(b []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(b), ""))
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
