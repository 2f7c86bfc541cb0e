package configserver

import (
	"io"
	"mime"
	"net/http"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-chi/render"
)

const (
	ContentTypeCbor = "application/cbor"

	maxBodySize = 10 * 1024 * 1024
)

func isCbor(headerValue string) bool {
	if headerValue == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(headerValue)
	if err != nil {
		return false
	}
	return mediaType == ContentTypeCbor
}

// decodeBody reads CBOR when the request declares it and JSON otherwise
func decodeBody(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, maxBodySize)
	if isCbor(r.Header.Get("Content-Type")) {
		data, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		return cbor.Unmarshal(data, v)
	}
	return render.DecodeJSON(body, v)
}

// writeBody answers in CBOR when the client accepts it and JSON otherwise
func writeBody(w http.ResponseWriter, r *http.Request, status int, v any) {
	if !isCbor(r.Header.Get("Accept")) {
		render.Status(r, status)
		render.JSON(w, r, v)
		return
	}
	data, err := cbor.Marshal(v)
	if err != nil {
		log.Errorw("marshal result failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentTypeCbor)
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Warnw("write http body failed", "error", err)
	}
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, text); err != nil {
		log.Warnw("write http body failed", "error", err)
	}
}
