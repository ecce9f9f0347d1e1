// Package preview reverse-proxies /preview/{projectId}/... to the project's
// dev server on its allocated loopback port.
package preview

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hyper-ai-inc/devspace/internal/logging"
)

// PortLookup reports the port of a project's running dev server.
type PortLookup interface {
	Port(projectID string) (int, bool)
}

// Proxy serves previews.
type Proxy struct {
	ports      PortLookup
	publicBase string
	log        logrus.FieldLogger
}

// New creates a proxy. publicBase is the externally visible origin used by
// URL, for example "https://dev.example.com"; it may be empty.
func New(ports PortLookup, publicBase string, log logrus.FieldLogger) *Proxy {
	if log == nil {
		log = logging.Discard()
	}
	return &Proxy{
		ports:      ports,
		publicBase: strings.TrimSuffix(publicBase, "/"),
		log:        logging.Component(log, "preview"),
	}
}

// Prefix returns the path prefix under which projectID is served.
func Prefix(projectID string) string {
	return "/preview/" + projectID + "/"
}

// URL returns the preview URL for projectID and whether its server is
// running.
func (p *Proxy) URL(projectID string) (string, bool) {
	_, ok := p.ports.Port(projectID)
	return p.publicBase + Prefix(projectID), ok
}

// ServeHTTP expects the route pattern /preview/{id}/{path...}.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.Serve(w, r, r.PathValue("id"), r.PathValue("path"))
}

// Serve proxies r to projectID's dev server with path as the upstream path.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, projectID, path string) {
	port, ok := p.ports.Port(projectID)
	if !ok {
		writePage(w, notRunningPage, projectID, false)
		return
	}
	target := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(port)}
	log := p.log.WithFields(logrus.Fields{"project": projectID, "port": port})

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = "/" + strings.TrimPrefix(path, "/")
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Prefix", strings.TrimSuffix(Prefix(projectID), "/"))
		},
		ModifyResponse: func(resp *http.Response) error {
			// Previews are embedded in the editor.
			resp.Header.Del("X-Frame-Options")
			return nil
		},
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			log.WithError(err).Debug("preview upstream unavailable")
			writePage(rw, startingPage, projectID, true)
		},
	}
	proxy.ServeHTTP(w, r)
}

const notRunningPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Preview not running</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:4em">
<h1>Preview not running</h1>
<p>No dev server is running for project <code>%s</code>. Start one and reload this page.</p>
</body></html>
`

const startingPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><meta http-equiv="refresh" content="2"><title>Starting preview</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:4em">
<h1>Starting preview&hellip;</h1>
<p>The dev server for project <code>%s</code> is not accepting connections yet. This page refreshes automatically.</p>
</body></html>
`

func writePage(w http.ResponseWriter, page, projectID string, refresh bool) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if refresh {
		w.Header().Set("Refresh", "2")
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintf(w, page, html.EscapeString(projectID))
}
