package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/sharechat/internal/files"
)

// progressStep is how often transfer progress is logged.
const progressStep = 1 << 20

var errStorageWrite = errors.New("storage write failed")

// uploadRequest is parsed "<filename>|<filesize>" metadata.
type uploadRequest struct {
	Name string
	Size int64
}

// parseUploadMetadata validates upload metadata. On failure the returned
// string is the error line to send to the client.
func parseUploadMetadata(meta string, maxSize int64) (uploadRequest, string) {
	if meta == "" {
		return uploadRequest{}, errorLine("No metadata received")
	}

	parts := strings.Split(meta, metaSep)
	if len(parts) != 2 {
		return uploadRequest{}, errorLine("Invalid file metadata")
	}

	name := strings.TrimSpace(parts[0])
	size, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || size < 0 {
		return uploadRequest{}, errorLine("Invalid file size")
	}

	if err := files.ValidateName(name); err != nil {
		return uploadRequest{}, errorLine("Invalid file name: %v", err)
	}

	if size > maxSize {
		return uploadRequest{}, errorLine("File too large (%d bytes, limit %d)", size, maxSize)
	}

	return uploadRequest{Name: name, Size: size}, ""
}

// handleUpload runs the upload sub-protocol. Only transport failures are
// returned; protocol failures are reported to the client inline.
func (c *Client) handleUpload() (err error) {
	c.sess.Hold()
	defer func() {
		if releaseErr := c.sess.Release(); err == nil {
			err = releaseErr
		}
	}()
	defer c.clearReadDeadline()

	log := c.log.WithField("op", "upload")
	log.Info("Upload request")

	if err := c.reply(msgUploadGo); err != nil {
		return err
	}

	timeout := c.srv.cfg.TransferTimeout
	c.setReadTimeout(timeout)
	payload, err := c.readPayload(c.srv.cfg.BufferSize)
	if err != nil {
		if isTimeout(err) {
			c.uploadFailed(log, "timeout", "Upload timeout")
			return c.reply(errorLine("Upload timeout"))
		}
		return err
	}

	req, problem := parseUploadMetadata(decodePayload(payload), c.srv.cfg.MaxFileSize)
	if problem != "" {
		c.uploadFailed(log, "metadata", strings.TrimSpace(problem))
		return c.reply(problem)
	}
	log = log.WithFields(logrus.Fields{"file": req.Name, "size": req.Size})

	up, err := c.srv.store.Begin(req.Name)
	if err != nil {
		c.uploadFailed(log, "storage", err.Error())
		return c.reply(errorLine("Upload failed: %v", err))
	}
	defer up.Abort()

	if err := c.reply(tokenReady); err != nil {
		return err
	}
	log.Infof("Receiving %s", humanize.Bytes(uint64(req.Size)))

	if err := c.receiveFile(up, req.Size, log); err != nil {
		received := up.Written()
		switch {
		case isTimeout(err):
			c.uploadFailed(log, "timeout", "Upload timeout")
			return c.reply(errorLine("Upload timeout"))
		case errors.Is(err, errStorageWrite):
			c.uploadFailed(log, "storage", err.Error())
			return c.reply(errorLine("Upload failed: %v", err))
		default:
			c.uploadFailed(log, "incomplete", fmt.Sprintf("received %d/%d bytes: %v", received, req.Size, err))
			// The peer is usually gone; the reply is best effort and the
			// command loop notices the closed connection on its next read.
			_ = c.reply(errorLine("File upload incomplete (received %d/%d bytes)", received, req.Size))
			return nil
		}
	}

	rec := files.Record{
		Name:       req.Name,
		Uploader:   c.sess.Name(),
		UploadedAt: c.srv.now(),
		Size:       req.Size,
	}
	if err := up.Finish(); err != nil {
		c.uploadFailed(log, "storage", err.Error())
		return c.reply(errorLine("Upload failed: %v", err))
	}
	if err := c.srv.catalog.Publish(rec, up.Commit); err != nil {
		c.uploadFailed(log, "storage", err.Error())
		return c.reply(errorLine("Upload failed: %v", err))
	}

	if c.srv.metrics != nil {
		c.srv.metrics.uploadsTotal.Inc()
		c.srv.metrics.uploadSizeBytes.Observe(float64(req.Size))
	}
	log.Info("Upload complete")

	if err := c.reply(uploadSuccess(req.Name)); err != nil {
		return err
	}
	c.srv.hub.Broadcast([]byte(uploadNotice(c.sess.Name(), req.Name, req.Size)), nil)
	return nil
}

// receiveFile reads exactly size bytes into up, one bounded chunk per read.
// Every read restarts the inactivity timeout.
func (c *Client) receiveFile(up *files.Upload, size int64, log *logrus.Entry) error {
	chunkLimit := int64(len(c.buf))
	nextProgress := int64(progressStep)

	for up.Written() < size {
		received := up.Written()
		chunk := min(chunkLimit, size-received)
		c.setReadTimeout(c.srv.cfg.TransferTimeout)

		n, err := c.conn.Read(c.buf[:chunk])
		if n > 0 {
			if _, werr := up.Write(c.buf[:n]); werr != nil {
				return fmt.Errorf("%w: %v", errStorageWrite, werr)
			}
			received = up.Written()
			if c.srv.metrics != nil {
				c.srv.metrics.bytesReceived.Add(float64(n))
			}
			if received >= nextProgress || received == size {
				log.Debugf("Progress: %s/%s (%.1f%%)",
					humanize.Bytes(uint64(received)), humanize.Bytes(uint64(size)),
					float64(received)/float64(size)*100)
				nextProgress = (received/progressStep + 1) * progressStep
			}
		}
		if err != nil {
			if received == size {
				break
			}
			return err
		}
	}

	return nil
}

func (c *Client) uploadFailed(log *logrus.Entry, reason, detail string) {
	if c.srv.metrics != nil {
		c.srv.metrics.uploadErrors.WithLabelValues(reason).Inc()
	}
	log.WithField("reason", reason).Warnf("Upload failed: %s", detail)
}

// handleDownload runs the download sub-protocol. When inline is false the
// filename is read as the next payload.
func (c *Client) handleDownload(name string, inline bool) (err error) {
	c.sess.Hold()
	defer func() {
		if releaseErr := c.sess.Release(); err == nil {
			err = releaseErr
		}
	}()
	defer c.clearReadDeadline()

	log := c.log.WithField("op", "download")
	timeout := c.srv.cfg.TransferTimeout

	if !inline {
		c.setReadTimeout(timeout)
		payload, err := c.readPayload(c.srv.cfg.BufferSize)
		if err != nil {
			if isTimeout(err) {
				c.downloadFailed(log, "timeout", "no filename received")
				return c.reply(errorLine("Download timeout"))
			}
			return err
		}
		name = decodePayload(payload)
	}

	if name == "" {
		c.downloadFailed(log, "metadata", "no filename received")
		return c.reply(downloadError(reasonNoFilename))
	}
	log = log.WithField("file", name)
	log.Info("Download request")

	rec, ok := c.srv.catalog.Get(name)
	if !ok {
		c.downloadFailed(log, "not_found", "not in catalog")
		return c.reply(downloadError(reasonNotFound))
	}

	f, size, err := c.srv.store.Open(name)
	if err != nil {
		c.downloadFailed(log, "missing", err.Error())
		if errors.Is(err, files.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return c.reply(downloadError(reasonNotOnServer))
		}
		return c.reply(downloadError(reasonStorageFailure))
	}
	defer f.Close()

	if err := c.reply(downloadOK(size)); err != nil {
		return err
	}

	c.setReadTimeout(timeout)
	ack, err := c.readPayload(c.srv.cfg.BufferSize)
	if err != nil {
		if isTimeout(err) {
			c.downloadFailed(log, "timeout", "no acknowledgment received")
			return nil
		}
		return err
	}
	if got := decodePayload(ack); got != tokenReady {
		c.downloadFailed(log, "ack", fmt.Sprintf("invalid acknowledgment %q", got))
		return nil
	}

	log.WithFields(logrus.Fields{
		"uploader": rec.Uploader,
		"size":     size,
	}).Infof("Sending %s", humanize.Bytes(uint64(size)))

	sent, err := c.sendFile(f, size)
	if err != nil {
		c.downloadFailed(log, "stream", fmt.Sprintf("sent %d/%d bytes: %v", sent, size, err))
		// The receiver counts bytes, so a short stream must end with the
		// connection closing rather than with chat traffic.
		return fmt.Errorf("download of %s interrupted: %w", name, err)
	}

	if c.srv.metrics != nil {
		c.srv.metrics.downloadsTotal.Inc()
	}
	log.Info("Download complete")
	return nil
}

// sendFile streams exactly size bytes from r in fixed-size chunks.
func (c *Client) sendFile(r io.Reader, size int64) (int64, error) {
	var sent int64
	chunkLimit := int64(len(c.buf))

	for sent < size {
		chunk := min(chunkLimit, size-sent)
		n, err := io.ReadFull(r, c.buf[:chunk])
		if err != nil {
			return sent, fmt.Errorf("read stored file: %w", err)
		}

		if err := c.sess.Write(c.buf[:n], c.srv.cfg.TransferTimeout); err != nil {
			return sent, err
		}
		sent += int64(n)
		if c.srv.metrics != nil {
			c.srv.metrics.bytesSent.Add(float64(n))
		}
	}

	return sent, nil
}

func (c *Client) downloadFailed(log *logrus.Entry, reason, detail string) {
	if c.srv.metrics != nil {
		c.srv.metrics.downloadErrors.WithLabelValues(reason).Inc()
	}
	log.WithField("reason", reason).Warnf("Download failed: %s", detail)
}
