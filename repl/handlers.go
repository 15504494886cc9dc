package repl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

func AddCorsHeaders(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")
		f(w, req)
	}
}

// CommandHandler runs the POSTed body as one command line and answers
// with what the command printed. exit and quit are refused.
func CommandHandler(repl *REPL) http.HandlerFunc {
	return AddCorsHeaders(func(w http.ResponseWriter, req *http.Request) {
		switch method := req.Method; method {
		case "OPTIONS":
			w.Header().Set("Access-Control-Allow-Methods", "POST")
			w.WriteHeader(http.StatusNoContent)
		case "POST":
			body, err := io.ReadAll(req.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			var out bytes.Buffer
			err = repl.ExecTo(req.Context(), &out, string(body))
			if errors.Is(err, io.EOF) {
				http.Error(w, "exit is console only", http.StatusForbidden)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(out.Bytes())
		default:
			http.Error(w, fmt.Sprintf("Unsupported method %s", req.Method), http.StatusMethodNotAllowed)
		}
	})
}
