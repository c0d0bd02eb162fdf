// Package bubble renders the HTML fragments the chat widget splices into
// the page: the echoed user bubble, the bot reply and the fallback reply.
package bubble

import (
	"bytes"
	"embed"
	"html/template"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"

	"whos.app/models"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const (
	userBubble = "user-bubble"
	botBubble  = "bot-bubble"
)

// FallbackMarker is the visible error marker carried by the fallback bubble.
const FallbackMarker = "<b>ERRORE</b>"

// userContext feeds the user-bubble template.
type userContext struct {
	UserText template.HTML
}

// botContext feeds the bot-bubble template. ResponseText is only set for
// the fallback bubble.
type botContext struct {
	ResponseText template.HTML
	Single       string
	MappedUsers  []mappedUser
}

type mappedUser struct {
	User  string
	Value string
}

// Renderer holds the parsed template set. It is safe for concurrent use and
// never changes after New returns.
type Renderer struct {
	tmpl     *template.Template
	fallback models.Fragment
}

// New parses the embedded templates and renders the fixed fallback bubble
// once, so a broken template set fails at startup instead of per request.
func New() (*Renderer, error) {
	tmpl, err := template.New("bubbles").
		Funcs(sprig.FuncMap()).
		ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, errors.Wrap(err, "parse bubble templates")
	}
	return newRenderer(tmpl)
}

// NewFromTemplate builds a Renderer on a caller supplied template set. The
// set must define "user-bubble" and "bot-bubble".
func NewFromTemplate(tmpl *template.Template) (*Renderer, error) {
	if tmpl == nil {
		return nil, errors.New("template set is nil")
	}
	return newRenderer(tmpl)
}

func newRenderer(tmpl *template.Template) (*Renderer, error) {
	for _, name := range []string{userBubble, botBubble} {
		if tmpl.Lookup(name) == nil {
			return nil, errors.Errorf("template %q is not defined", name)
		}
	}
	r := &Renderer{tmpl: tmpl}

	fallback, err := r.execute(botBubble, botContext{ResponseText: template.HTML(FallbackMarker)})
	if err != nil {
		return nil, errors.Wrap(err, "render fallback bubble")
	}
	r.fallback = fallback

	if _, err := r.Echo(""); err != nil {
		return nil, errors.Wrap(err, "render user bubble")
	}
	return r, nil
}

// Echo renders the user's own message bubble.
func (r *Renderer) Echo(text string) (models.Fragment, error) {
	return r.execute(userBubble, userContext{UserText: SanitizeMarkup(text)})
}

func (r *Renderer) execute(name string, data interface{}) (models.Fragment, error) {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", errors.Wrapf(err, "execute %s", name)
	}
	return models.Fragment(buf.String()), nil
}
