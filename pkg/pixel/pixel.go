// Package pixel configures the optional analytics pixel of the storefront.
// The pixel id is injected at startup. Without one the integration is off.
package pixel

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"
	"strings"
)

type Config struct {
	ID string
}

// Enabled reports whether a pixel id was given.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.ID) != ""
}

// Runtime is the client runtime configuration served to the storefront.
type Runtime struct {
	Pixel State `json:"pixel"`
}

type State struct {
	Enabled bool   `json:"enabled"`
	ID      string `json:"id"`
}

func (c Config) Runtime() Runtime {
	if !c.Enabled() {
		return Runtime{}
	}
	return Runtime{Pixel: State{Enabled: true, ID: strings.TrimSpace(c.ID)}}
}

// RuntimeHandler serves the runtime configuration as JSON.
func RuntimeHandler(c Config) http.HandlerFunc {
	body, err := json.Marshal(c.Runtime())
	if err != nil {
		panic(err)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(body)
	}
}

var snippet = template.Must(template.New("pixel").Parse(`<script>
!function(f,b,e,v,n,t,s){if(f.fbq)return;n=f.fbq=function(){n.callMethod?
n.callMethod.apply(n,arguments):n.queue.push(arguments)};if(!f._fbq)f._fbq=n;
n.push=n;n.loaded=!0;n.version='2.0';n.queue=[];t=b.createElement(e);t.async=!0;
t.src=v;s=b.getElementsByTagName(e)[0];s.parentNode.insertBefore(t,s)}(window,
document,'script','https://connect.facebook.net/en_US/fbevents.js');
fbq('init', {{.}});
fbq('track', 'PageView');
</script>`))

// Snippet returns the script tag for pages, or an empty string if the pixel is off.
func (c Config) Snippet() (template.HTML, error) {
	if !c.Enabled() {
		return "", nil
	}
	var buf bytes.Buffer
	if err := snippet.Execute(&buf, strings.TrimSpace(c.ID)); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}
