// Package webconsole serves a phpMyAdmin lookalike over connections handed in
// by the instance listener.
package webconsole

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

//go:embed templates
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	cookieName     = "phpMyAdmin"
	defaultVersion = "5.0.4"
	defaultTheme   = "pmahomme"
	maxLoggedBody  = 64 << 10
	maxUpload      = 32 << 20
	maxSessions    = 4096
	importFailure  = "File upload failed. Please check file permissions."
)

var defaultDatabases = []string{"information_schema", "mysql", "performance_schema", "wordpress_db"}

// prefixes are the mount points of every route.
var prefixes = []string{"", "/phpmyadmin"}

var fromClause = regexp.MustCompile("(?i)\\b(?:from|into|update|table)\\s+`?([\\w$]+(?:\\.[\\w$]+)?)`?")

type visitor struct {
	authenticated bool
	username      string
}

type Handler struct {
	cfg       honeypot.Config
	env       session.Env
	version   string
	theme     string
	loginPage bool
	sqlError  string
	databases []string

	ln  *connListener
	srv *http.Server

	mu       sync.Mutex
	visitors map[string]visitor
}

func New(cfg honeypot.Config, env session.Env) (*Handler, error) {
	h := &Handler{
		cfg:       cfg,
		env:       env,
		version:   cfg.Option("phpmyadmin_version", defaultVersion),
		theme:     cfg.Option("theme", defaultTheme),
		loginPage: true,
		sqlError:  strings.TrimSpace(cfg.Option("error_messages", "")),
		databases: honeypot.Lines(cfg.Option("fake_databases", "")),
		visitors:  make(map[string]visitor),
	}
	if len(h.databases) == 0 {
		h.databases = append([]string(nil), defaultDatabases...)
	}
	if raw := cfg.Option("login_page", ""); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: login_page %q", honeypot.ErrInvalidConfig, raw)
		}
		h.loginPage = v
	}

	idle := env.IdleTimeout(cfg)
	h.ln = newConnListener()
	h.srv = &http.Server{
		Handler:           h.logRequests(h.routes()),
		ReadHeaderTimeout: idle,
		IdleTimeout:       idle,
		ErrorLog:          zap.NewStdLog(logging.Logger()),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if tc, ok := c.(*trackedConn); ok {
				return context.WithValue(ctx, sessionKey{}, tc.sess)
			}
			return ctx
		},
	}
	go h.srv.Serve(h.ln)
	return h, nil
}

// Serve hands conn to the HTTP server and blocks until the server is done with it.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	s := session.New(ctx, h.cfg, conn, h.env.Sink, h.env.IdleTimeout(h.cfg))
	s.Connect()

	tc := &trackedConn{Conn: conn, sess: s, done: make(chan struct{})}
	select {
	case h.ln.conns <- tc:
	case <-h.ln.closed:
		s.Disconnect("console closed")
		return
	case <-ctx.Done():
		s.Disconnect("shutdown")
		return
	}

	select {
	case <-tc.done:
		s.Disconnect("")
	case <-ctx.Done():
		tc.Close()
		s.Disconnect("shutdown")
	}
}

// Close stops the per-instance HTTP server and every connection it holds.
func (h *Handler) Close() error {
	h.ln.Close()
	return h.srv.Close()
}

type sessionKey struct{}

func sessionFrom(r *http.Request) *session.Session {
	s, _ := r.Context().Value(sessionKey{}).(*session.Session)
	return s
}

func (h *Handler) routes() http.Handler {
	mux := http.NewServeMux()
	for _, p := range prefixes {
		mux.HandleFunc(p+"/{$}", h.index(p))
		mux.HandleFunc(p+"/index.php", h.index(p))
		mux.HandleFunc("POST "+p+"/login", h.login(p))
		mux.HandleFunc(p+"/logout", h.logout(p))
		mux.HandleFunc(p+"/db_structure.php", h.structure(p))
		mux.HandleFunc(p+"/sql.php", h.sql(p))
		mux.HandleFunc(p+"/import.php", h.importData(p))
		mux.HandleFunc(p+"/export.php", h.export(p))
	}
	mux.HandleFunc("/", h.notFound)
	return mux
}

// logRequests records every request before it is routed.
func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers, _ := json.Marshal(r.Header)
		fields := map[string]string{
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"headers": string(headers),
		}
		if ua := r.UserAgent(); ua != "" {
			fields["user_agent"] = ua
		}
		if r.Body != nil && r.Body != http.NoBody {
			if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
				fields["body"] = "[multipart omitted]"
			} else {
				body, _ := io.ReadAll(io.LimitReader(r.Body, maxLoggedBody))
				fields["body"] = string(body)
				r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
			}
		}
		h.record(r, honeypot.CategoryCommand, r.Method+" "+r.URL.RequestURI(), fields)

		w.Header().Set("Server", "Apache/2.4.41 (Ubuntu)")
		w.Header().Set("X-Powered-By", "PHP/7.4.3")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) record(r *http.Request, cat honeypot.Category, msg string, fields map[string]string) {
	if s := sessionFrom(r); s != nil {
		s.Log(cat, msg, fields)
	}
}

// === COOKIE SESSIONS ===

// visit returns the cookie session of the client, starting one when needed.
func (h *Handler) visit(w http.ResponseWriter, r *http.Request) (string, visitor) {
	if c, err := r.Cookie(cookieName); err == nil {
		h.mu.Lock()
		v, ok := h.visitors[c.Value]
		h.mu.Unlock()
		if ok {
			return c.Value, v
		}
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	h.store(id, visitor{})
	http.SetCookie(w, &http.Cookie{Name: cookieName, Value: id, Path: "/", HttpOnly: true})
	return id, visitor{}
}

func (h *Handler) store(id string, v visitor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.visitors[id]; !ok && len(h.visitors) >= maxSessions {
		for k := range h.visitors {
			delete(h.visitors, k)
			break
		}
	}
	h.visitors[id] = v
}

func (h *Handler) forget(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.visitors, id)
}

// === PAGES ===

type page struct {
	Title     string
	Version   string
	Theme     string
	Prefix    string
	Username  string
	Databases []string
	DB        string
	Table     string
	Query     string
	Error     string
}

func (h *Handler) page(prefix, title string) page {
	return page{
		Title:     title,
		Version:   h.version,
		Theme:     h.theme,
		Prefix:    prefix,
		Databases: h.databases,
	}
}

func render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		logging.Error("[WEBCONSOLE] Render %s: %v", name, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func (h *Handler) index(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, v := h.visit(w, r)
		if h.loginPage && !v.authenticated {
			render(w, http.StatusOK, "login", h.page(prefix, "phpMyAdmin "+h.version))
			return
		}
		p := h.page(prefix, "phpMyAdmin "+h.version)
		p.Username = v.username
		if p.Username == "" {
			p.Username = "root"
		}
		render(w, http.StatusOK, "dashboard", p)
	}
}

func (h *Handler) login(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		user := r.PostForm.Get("pma_username")
		pass := r.PostForm.Get("pma_password")
		server := r.PostForm.Get("pma_servername")
		if server == "" {
			server = "localhost"
		}
		if s := sessionFrom(r); s != nil {
			s.Auth(user, pass, map[string]string{"server": server})
		}

		id, _ := h.visit(w, r)
		h.store(id, visitor{authenticated: true, username: user})
		http.Redirect(w, r, prefix+"/", http.StatusFound)
	}
}

func (h *Handler) logout(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(cookieName); err == nil {
			h.forget(c.Value)
		}
		http.SetCookie(w, &http.Cookie{Name: cookieName, Value: "", Path: "/", MaxAge: -1})
		http.Redirect(w, r, prefix+"/", http.StatusFound)
	}
}

func (h *Handler) structure(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := h.page(prefix, "phpMyAdmin")
		p.DB = r.URL.Query().Get("db")
		if p.DB == "" {
			p.DB = h.databases[0]
		}
		p.Title = p.DB + " - phpMyAdmin"
		render(w, http.StatusOK, "structure", p)
	}
}

func (h *Handler) sql(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		p := h.page(prefix, "SQL - phpMyAdmin")
		p.DB = r.Form.Get("db")
		p.Table = r.Form.Get("table")
		if r.Method != http.MethodPost {
			render(w, http.StatusOK, "sql", p)
			return
		}

		p.Query = r.PostForm.Get("sql_query")
		db, table := h.target(p.DB, p.Table, p.Query)
		h.record(r, honeypot.CategoryCommand, "SQL query: "+p.Query, map[string]string{
			"query": p.Query,
			"db":    db,
			"table": table,
		})
		p.Title = "SQL Result - phpMyAdmin"
		p.Error = fmt.Sprintf("#1146 - Table '%s.%s' doesn't exist", db, table)
		if h.sqlError != "" {
			p.Error = h.sqlError
		}
		render(w, http.StatusOK, "sqlresult", p)
	}
}

// target picks the database and table a query refers to.
func (h *Handler) target(db, table, query string) (string, string) {
	if table == "" {
		if m := fromClause.FindStringSubmatch(query); m != nil {
			table = m[1]
		}
	}
	if d, t, ok := strings.Cut(table, "."); ok {
		db, table = d, t
	}
	if db == "" {
		db = h.databases[len(h.databases)-1]
	}
	if table == "" {
		table = "users"
	}
	return db, table
}

func (h *Handler) importData(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := h.page(prefix, "Import - phpMyAdmin")
		if r.Method != http.MethodPost {
			render(w, http.StatusOK, "import", p)
			return
		}

		if mr, err := r.MultipartReader(); err == nil {
			for {
				part, err := mr.NextPart()
				if err != nil {
					break
				}
				if name := part.FileName(); name != "" {
					n, _ := io.Copy(io.Discard, io.LimitReader(part, maxUpload))
					h.record(r, honeypot.CategoryCommand, "File upload attempt: "+name, map[string]string{
						"file":  name,
						"field": part.FormName(),
						"size":  strconv.FormatInt(n, 10),
					})
				}
				part.Close()
			}
		}
		p.Title = "Import Result - phpMyAdmin"
		p.Error = importFailure
		render(w, http.StatusOK, "importresult", p)
	}
}

func (h *Handler) export(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render(w, http.StatusOK, "export", h.page(prefix, "Export - phpMyAdmin"))
	}
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	render(w, http.StatusNotFound, "notfound", nil)
}

var _ io.Closer = (*Handler)(nil)
