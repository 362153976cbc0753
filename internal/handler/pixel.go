package handler

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/opentrack/internal/service"
)

// pixelGIF is a 1x1 transparent GIF.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21,
	0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x01, 0x44,
	0x00, 0x3b,
}

// Recorder is the part of service.OpenRecorder the pixel handler needs.
type Recorder interface {
	Record(ctx context.Context, emailID, origin, client string) (service.Outcome, error)
}

// PixelHandler serves the tracking pixel.
//
// THE RESPONSE NEVER DEPENDS ON THE RECORDING:
// Email clients render whatever comes back inline. A 500 or a broken image
// would show up in the recipient's mail, so every request gets the same 200
// and the same bytes whether the store write succeeded, failed, timed out
// or panicked. Failures are visible in logs and the recorder metrics only.
type PixelHandler struct {
	recorder Recorder
	logger   *slog.Logger
}

func NewPixelHandler(recorder Recorder, logger *slog.Logger) *PixelHandler {
	return &PixelHandler{recorder: recorder, logger: logger}
}

// HandlePixel records an open, then serves the pixel.
//
// HTTP: GET /track/{emailId}
// Also mounted on GET /track and /track/, where there is no id to record.
func (h *PixelHandler) HandlePixel(w http.ResponseWriter, r *http.Request) {
	if emailID := emailIDParam(r); emailID != "" {
		h.record(r, emailID)
	}
	servePixel(w)
}

func (h *PixelHandler) record(r *http.Request, emailID string) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("panic while recording open",
				slog.String("email_id", emailID),
				slog.Any("panic", p),
			)
		}
	}()

	// Detached from the client: an email client that drops the connection
	// as soon as it has the headers must not abort the store write. The
	// recorder's own timeout still bounds it.
	ctx := context.WithoutCancel(r.Context())

	// Errors are logged and counted by the recorder.
	_, _ = h.recorder.Record(ctx, emailID, clientAddr(r), r.UserAgent())
}

func servePixel(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "image/gif")
	h.Set("Content-Length", strconv.Itoa(len(pixelGIF)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

// clientAddr returns the request's origin address without the port.
// RemoteAddr has already been rewritten from X-Forwarded-For / X-Real-IP
// by chi's RealIP middleware when those headers are present.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// emailIDParam reads {emailId} from the route.
//
// chi routes on r.URL.RawPath when it is set and on the decoded r.URL.Path
// otherwise. net/url only keeps RawPath when the request's encoding differs
// from the default one (an escaped "/" in "a%2Fb", say), so the param is
// still encoded in that case only. Unescaping unconditionally would decode
// an id like "x%41" a second time.
func emailIDParam(r *http.Request) string {
	raw := chi.URLParam(r, "emailId")
	if r.URL.RawPath == "" {
		return raw
	}
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}
