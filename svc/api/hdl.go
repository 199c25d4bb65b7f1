package api

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"permapaste/cfg"
	"permapaste/pkg/domain"
	"permapaste/pkg/ledger"
	"permapaste/svc/svc"
	"permapaste/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

const (
	maxTitleLength   = 256
	maxPasswordBody  = 4 * 1024
	envelopeOverhead = 4 * 1024
	passwordHeader   = "X-Paste-Password"
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Format   string `json:"format,omitempty"`
	Privacy  string `json:"privacy,omitempty"`
	Password string `json:"password,omitempty"`
}

type DecryptReq struct {
	Password string `json:"password"`
}

type SearchResp struct {
	Results []domain.Container `json:"results"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", r.Header.Get("Content-Type")).Msg("invalid Content-Type header")
		writeErr(w, domain.NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType), requestID)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed request body rejected")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	// JSON escaping can at most double the body
	limit := h.cfg.MaxPasteSize*2 + envelopeOverhead
	if r.ContentLength > limit {
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
		if err != io.EOF {
			log.Warn().Err(err).Msg("invalid create request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	paste, err := h.toPaste(req)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	c, err := h.paste.Publish(r.Context(), svc.PublishParams{Paste: paste, Password: req.Password})
	if err != nil {
		log.Warn().Err(err).Str("privacy", string(paste.Privacy)).Msg("publish failed")
		writeErr(w, classify(err), requestID)
		return
	}
	log.Info().
		Str("paste_id", c.RecordID()).
		Bool("encrypted", c.IsEncrypted()).
		Msg("paste published")
	w.Header().Set("Location", "/pastes/"+c.RecordID())
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}

func (h *Hdl) toPaste(req CreateReq) (domain.Paste, error) {
	var p domain.Paste
	switch req.Format {
	case "", string(domain.FormatPlaintext):
		p.Format = domain.FormatPlaintext
	case string(domain.FormatMarkdown):
		p.Format = domain.FormatMarkdown
	default:
		return p, domain.NewErr("INVALID_FORMAT", "format must be markdown or plaintext", http.StatusBadRequest)
	}
	p.Privacy = domain.Privacy(req.Privacy)
	if p.Privacy == "" {
		p.Privacy = domain.PrivacyPublic
	}
	if !p.Privacy.Valid() {
		return p, domain.ErrInvalidPrivacy
	}
	if req.Body == "" {
		return p, domain.NewErr("BODY_REQUIRED", "body is required", http.StatusBadRequest)
	}
	if int64(len(req.Body)) > h.cfg.MaxPasteSize {
		return p, domain.ErrPasteTooLarge
	}
	title, ok := cleanTitle(req.Title)
	if !ok {
		return p, domain.NewErr("INVALID_TITLE", "title too long", http.StatusBadRequest)
	}
	p.Title = title
	p.Body = req.Body
	return p, nil
}

// cleanTitle NFC-normalizes a title and drops control characters so that
// title search matches regardless of how a client composed the text.
func cleanTitle(s string) (string, bool) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, norm.NFC.String(s))
	s = strings.TrimSpace(s)
	return s, utf8.RuneCountInString(s) <= maxTitleLength
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(c)
}

// GetRaw serves a public paste body as text. Encrypted pastes are refused.
func (h *Hdl) GetRaw(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	plain, isPlain := c.(*domain.PlainContainer)
	if !isPlain {
		writeErr(w, domain.ErrEncrypted, util.GetRequestID(r.Context()))
		return
	}
	w.Header().Set("Content-Type", domain.ContentType+"; charset=utf-8")
	io.WriteString(w, plain.Paste.Body)
}

func (h *Hdl) load(w http.ResponseWriter, r *http.Request) (domain.Container, bool) {
	id := chi.URLParam(r, "id")
	c, err := h.paste.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrRecordNotFound) {
			hlog.FromRequest(r).Warn().Err(err).Str("paste_id", id).Msg("get failed")
		}
		writeErr(w, classify(err), util.GetRequestID(r.Context()))
		return nil, false
	}
	return c, true
}

func (h *Hdl) DecryptPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	password := r.Header.Get(passwordHeader)
	if password == "" && r.ContentLength != 0 {
		var req DecryptReq
		if err := json.NewDecoder(io.LimitReader(r.Body, maxPasswordBody)).Decode(&req); err != nil && err != io.EOF {
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		password = req.Password
	}
	plain, err := h.paste.Decrypt(r.Context(), id, password)
	if err != nil {
		if errors.Is(err, domain.ErrDecryptionFailed) {
			log.Warn().
				Str("paste_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed decrypt attempt")
		}
		writeErr(w, classify(err), requestID)
		return
	}
	json.NewEncoder(w).Encode(plain)
}

func (h *Hdl) SearchPastes(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	q := r.URL.Query()
	title, ok := cleanTitle(q.Get("title"))
	if !ok || title == "" {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	limit := 20
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		limit = n
	}
	results, err := h.paste.Search(r.Context(), title, limit)
	if err != nil {
		writeErr(w, classify(err), requestID)
		return
	}
	json.NewEncoder(w).Encode(SearchResp{Results: results})
}

// classify maps infrastructure errors onto the API's error values. Domain
// errors pass through.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrTimeout
	case errors.Is(err, svc.ErrShuttingDown):
		return domain.ErrUnavailable
	case errors.Is(err, ledger.ErrPayloadTooLarge):
		return domain.ErrPasteTooLarge
	case errors.Is(err, ledger.ErrInvalidSignature), errors.Is(err, ledger.ErrIDMismatch):
		return domain.ErrSubmissionRejected
	}
	return err
}
