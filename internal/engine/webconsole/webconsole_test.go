package webconsole

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/engine/enginetest"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

func newHandler(t *testing.T, opts map[string]string) (*Handler, *enginetest.Sink) {
	t.Helper()
	sink := &enginetest.Sink{}
	h, err := New(honeypot.Config{ID: "pma_test", Type: "phpmyadmin_honeypot", Options: opts}, session.Env{Sink: sink})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h, sink
}

// do writes req on the client connection and reads the full response.
func do(t *testing.T, c *enginetest.Client, req *http.Request) (*http.Response, string) {
	t.Helper()
	c.Conn.SetDeadline(time.Now().Add(2 * time.Second))
	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	c.Send(buf.String())
	resp, err := http.ReadResponse(c.R, req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func get(t *testing.T, target string, cookies ...*http.Cookie) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://decoy"+target, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	return req
}

func postForm(t *testing.T, target string, form url.Values, cookies ...*http.Cookie) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://decoy"+target, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	return req
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, ck := range resp.Cookies() {
		if ck.Name == cookieName {
			return ck
		}
	}
	return nil
}

func TestLoginRedirectsAndLogsCredentials(t *testing.T) {
	h, sink := newHandler(t, nil)
	c := enginetest.Dial(t, h)

	resp, body := do(t, c, get(t, "/"))
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `name="pma_password"`) {
		t.Fatalf("login page: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Server") == "" {
		t.Fatal("missing Server header")
	}
	ck := sessionCookie(resp)
	if ck == nil {
		t.Fatal("no phpMyAdmin cookie issued")
	}

	form := url.Values{"pma_username": {"root"}, "pma_password": {"hunter2"}, "pma_servername": {"127.0.0.1"}}
	resp, _ = do(t, c, postForm(t, "/login", form, ck))
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/" {
		t.Fatalf("login: %d location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}

	auth := sink.Find(honeypot.CategoryAuth)
	if len(auth) != 1 {
		t.Fatalf("auth events = %+v", auth)
	}
	if f := auth[0].Fields; f["username"] != "root" || f["password"] != "hunter2" || f["server"] != "127.0.0.1" {
		t.Fatalf("auth fields = %+v", f)
	}

	// The cookie, not the connection, carries the login.
	c2 := enginetest.Dial(t, h)
	resp, body = do(t, c2, get(t, "/index.php", ck))
	if !strings.Contains(body, "Welcome root") || !strings.Contains(body, "wordpress_db") {
		t.Fatalf("dashboard: %d %q", resp.StatusCode, body)
	}

	resp, _ = do(t, c2, get(t, "/logout", ck))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("logout = %d", resp.StatusCode)
	}
	_, body = do(t, c2, get(t, "/", ck))
	if !strings.Contains(body, `name="pma_password"`) {
		t.Fatal("still logged in after logout")
	}
}

func TestPrefixedRoutes(t *testing.T) {
	h, _ := newHandler(t, map[string]string{"phpmyadmin_version": "4.9.7"})
	c := enginetest.Dial(t, h)

	resp, body := do(t, c, get(t, "/phpmyadmin/"))
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "phpMyAdmin 4.9.7") || !strings.Contains(body, `action="/phpmyadmin/login"`) {
		t.Fatalf("prefixed index: %d %q", resp.StatusCode, body)
	}

	form := url.Values{"pma_username": {"admin"}, "pma_password": {"x"}}
	resp, _ = do(t, c, postForm(t, "/phpmyadmin/login", form))
	if resp.Header.Get("Location") != "/phpmyadmin/" {
		t.Fatalf("prefixed login location = %q", resp.Header.Get("Location"))
	}

	for _, path := range []string{"/export.php", "/phpmyadmin/export.php", "/db_structure.php?db=shop", "/phpmyadmin/import.php"} {
		if resp, _ := do(t, c, get(t, path)); resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
	if resp, _ := do(t, c, get(t, "/wp-login.php")); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path = %d", resp.StatusCode)
	}
}

func TestEveryRequestIsLogged(t *testing.T) {
	h, sink := newHandler(t, nil)
	c := enginetest.Dial(t, h)

	req := get(t, "/db_structure.php?db=shop")
	req.Header.Set("User-Agent", "sqlmap/1.7")
	do(t, c, req)

	cmds := sink.Find(honeypot.CategoryCommand)
	if len(cmds) != 1 {
		t.Fatalf("command events = %+v", cmds)
	}
	f := cmds[0].Fields
	if f["method"] != "GET" || f["path"] != "/db_structure.php" || f["query"] != "db=shop" || f["user_agent"] != "sqlmap/1.7" {
		t.Fatalf("request fields = %+v", f)
	}
	var headers map[string][]string
	if err := json.Unmarshal([]byte(f["headers"]), &headers); err != nil || headers["User-Agent"][0] != "sqlmap/1.7" {
		t.Fatalf("headers = %q (%v)", f["headers"], err)
	}
	if len(sink.Find(honeypot.CategoryConnect)) != 1 {
		t.Fatal("missing connect event")
	}
}

func TestSQLQueryFails(t *testing.T) {
	h, sink := newHandler(t, nil)
	c := enginetest.Dial(t, h)

	form := url.Values{"sql_query": {"SELECT * FROM shop.customers"}}
	resp, body := do(t, c, postForm(t, "/sql.php", form))
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "#1146 - Table &#39;shop.customers&#39; doesn&#39;t exist") {
		t.Fatalf("sql result: %d %q", resp.StatusCode, body)
	}

	var logged bool
	for _, ev := range sink.Find(honeypot.CategoryCommand) {
		if ev.Fields["query"] == "SELECT * FROM shop.customers" {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("query not logged: %+v", sink.Events())
	}
}

func TestImportDiscardsUpload(t *testing.T) {
	h, sink := newHandler(t, nil)
	c := enginetest.Dial(t, h)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("import_file", "shell.php.sql")
	fw.Write([]byte("<?php system($_GET['c']); ?>"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, "http://decoy/import.php", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, body := do(t, c, req)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, importFailure) {
		t.Fatalf("import: %d %q", resp.StatusCode, body)
	}

	var upload *honeypot.Event
	for _, ev := range sink.Find(honeypot.CategoryCommand) {
		if ev.Fields["file"] != "" {
			ev := ev
			upload = &ev
		}
		if strings.Contains(ev.Fields["body"], "system(") {
			t.Fatal("upload content was logged")
		}
	}
	if upload == nil || upload.Fields["file"] != "shell.php.sql" || upload.Fields["size"] != "28" {
		t.Fatalf("upload event = %+v", upload)
	}
}

func TestDashboardWithoutLoginPage(t *testing.T) {
	h, _ := newHandler(t, map[string]string{"login_page": "false", "fake_databases": "crm\nbilling"})
	c := enginetest.Dial(t, h)

	_, body := do(t, c, get(t, "/"))
	if !strings.Contains(body, "Databases") || !strings.Contains(body, "billing") || strings.Contains(body, "wordpress_db") {
		t.Fatalf("dashboard = %q", body)
	}

	if _, err := New(honeypot.Config{Options: map[string]string{"login_page": "sometimes"}}, session.Env{}); err == nil {
		t.Fatal("expected error for invalid login_page")
	}
}

func TestCloseEndsServe(t *testing.T) {
	h, sink := newHandler(t, nil)
	c := enginetest.Dial(t, h)
	do(t, c, get(t, "/"))

	h.Close()
	c.WaitClosed()
	if len(sink.Find(honeypot.CategoryDisconnect)) != 1 {
		t.Fatalf("events = %+v", sink.Events())
	}
}
