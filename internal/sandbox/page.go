package sandbox

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/errand-pay/internal/pricing"
	"github.com/noah-isme/errand-pay/internal/security"
)

var checkoutTmpl = template.Must(template.New("checkout").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Sandbox checkout</title></head>
<body>
<h1>{{if .Card}}Card payment{{else}}GCash payment{{end}}</h1>
<p>{{.Title}}: <strong>{{.Amount}}</strong></p>
{{if .Done}}
<p>Payment {{.Status}}. You can close this window.</p>
{{else}}
<form method="post" action="/sandbox/checkout/{{.SourceID}}/confirm">
  <input type="hidden" name="csrfmiddlewaretoken" value="{{.Token}}">
  <button type="submit">Authorize payment</button>
</form>
<form method="post" action="/sandbox/checkout/{{.SourceID}}/fail">
  <input type="hidden" name="csrfmiddlewaretoken" value="{{.Token}}">
  <button type="submit">Decline</button>
</form>
{{end}}
</body>
</html>
`))

type checkoutView struct {
	SourceID string
	Title    string
	Amount   string
	Card     bool
	Done     bool
	Status   string
	Token    string
}

func (s *Server) checkoutPage(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.PaymentBySource(chi.URLParam(r, "sourceID"))
	if err != nil {
		http.Error(w, "checkout not found", http.StatusNotFound)
		return
	}
	s.renderCheckout(w, r, p)
}

func (s *Server) checkoutAction(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.PaymentBySource(chi.URLParam(r, "sourceID"))
	if err != nil {
		http.Error(w, "checkout not found", http.StatusNotFound)
		return
	}
	p, err = s.settle(p.ID, chi.URLParam(r, "action"))
	switch {
	case errors.Is(err, errUnknownAction):
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	case err != nil && !errors.Is(err, ErrAlreadySettled):
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.renderCheckout(w, r, p)
}

func (s *Server) renderCheckout(w http.ResponseWriter, r *http.Request, p Payment) {
	title := "Task payment"
	if p.Kind == KindFee {
		title = "System fee"
	}
	view := checkoutView{
		SourceID: p.SourceID,
		Title:    fmt.Sprintf("%s for %s", title, s.store.Task(p.TaskID).Title),
		Amount:   pricing.Format(p.Amount),
		Card:     p.Method == "card",
		Done:     p.Status == StatusConfirmed || p.Status == StatusFailed,
		Status:   strings.ToLower(statusDisplay(p.Status)),
		Token:    security.TokenFromContext(r.Context()),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := checkoutTmpl.Execute(w, view); err != nil {
		s.logger.Error().Err(err).Msg("render checkout page")
	}
}
