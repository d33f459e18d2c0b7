package twilio

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels"
)

// emptyTwiML acknowledges a delivery without replying inline; replies go
// out through the REST API once the dialogue has run.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// maxForm caps the webhook body.
const maxForm = 64 << 10

// ServeHTTP handles Twilio's inbound message webhook. It answers as soon as
// the message is queued, well inside Twilio's 10 second deadline.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxForm)
	if err := r.ParseForm(); err != nil {
		c.observe("rejected")
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	if c.cfg.ValidateSignature && c.cfg.AuthToken != "" {
		sig := r.Header.Get("X-Twilio-Signature")
		if sig == "" || !c.validator.Validate(c.requestURL(r), formParams(r), sig) {
			c.observe("rejected")
			c.logger.Warn("invalid webhook signature", "remote", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	sid := r.PostForm.Get("MessageSid")
	from := r.PostForm.Get("From")
	if sid == "" || from == "" {
		c.observe("rejected")
		http.Error(w, "missing MessageSid or From", http.StatusBadRequest)
		return
	}

	log := c.logger.With("msg_id", sid, "from", userID(from))

	recorded := false
	if c.dedup != nil {
		seen, err := c.dedup.Seen(r.Context(), sid)
		switch {
		case err != nil:
			// Processed anyway.
			log.Warn("dedup check failed", "error", err)
		case seen:
			c.observe("duplicate")
			log.Debug("duplicate delivery dropped")
			writeTwiML(w)
			return
		default:
			recorded = true
		}
	}

	msg := &channels.IncomingMessage{
		ID:        sid,
		Channel:   Name,
		From:      userID(from),
		FromName:  r.PostForm.Get("ProfileName"),
		Content:   strings.TrimSpace(r.PostForm.Get("Body")),
		Timestamp: c.now(),
		Media:     media(r),
		Metadata: map[string]any{
			"address": from,
			"to":      r.PostForm.Get("To"),
		},
	}
	if wa := r.PostForm.Get("WaId"); wa != "" {
		msg.Metadata["wa_id"] = wa
	}

	if err := c.emit(msg); err != nil {
		c.observe("dropped")
		log.Error("inbound message not queued", "error", err)
		// A refused message must be accepted when Twilio redelivers it.
		if recorded {
			if ferr := c.dedup.Forget(r.Context(), sid); ferr != nil {
				log.Warn("dedup forget failed", "error", ferr)
			}
		}
		if errors.Is(err, channels.ErrQueueFull) {
			w.Header().Set("Retry-After", "5")
		}
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}

	c.observe("accepted")
	log.Debug("inbound message queued", "media", len(msg.Media))
	writeTwiML(w)
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

// requestURL is the URL Twilio signed: the configured public base plus the
// request URI, or the request's own scheme and host.
func (c *Channel) requestURL(r *http.Request) string {
	if base := strings.TrimRight(c.cfg.PublicURL, "/"); base != "" {
		return base + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.TrimSpace(strings.Split(p, ",")[0])
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = strings.TrimSpace(strings.Split(h, ",")[0])
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func formParams(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func media(r *http.Request) []channels.MediaInfo {
	n, err := strconv.Atoi(r.PostForm.Get("NumMedia"))
	if err != nil || n <= 0 {
		return nil
	}
	out := make([]channels.MediaInfo, 0, n)
	for i := 0; i < n; i++ {
		u := r.PostForm.Get(fmt.Sprintf("MediaUrl%d", i))
		if u == "" {
			continue
		}
		out = append(out, channels.MediaInfo{
			URL:      u,
			MimeType: r.PostForm.Get(fmt.Sprintf("MediaContentType%d", i)),
		})
	}
	return out
}
