package gam

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tbourn/go-delivery-alerts/internal/report"
)

const respTmpl = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
<soap:Header/>
<soap:Body>%s</soap:Body>
</soap:Envelope>`

func soapResponse(body string) string {
	return strings.Replace(respTmpl, "%s", body, 1)
}

// fakeGAM answers by looking for the operation element in the request body.
type fakeGAM struct {
	t        *testing.T
	requests []string
	handlers map[string]func(w http.ResponseWriter, body string)
}

func (f *fakeGAM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/download" {
		if h, ok := f.handlers["download"]; ok {
			h(w, "")
			return
		}
		http.NotFound(w, r)
		return
	}
	b, _ := io.ReadAll(r.Body)
	body := string(b)
	f.requests = append(f.requests, body)
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		f.t.Errorf("unexpected content type %q", ct)
	}
	for op, h := range f.handlers {
		if strings.Contains(body, "<"+op) {
			h(w, body)
			return
		}
	}
	w.WriteHeader(http.StatusInternalServerError)
}

func newTestClient(t *testing.T, handlers map[string]func(http.ResponseWriter, string)) (*Client, *fakeGAM, *httptest.Server) {
	t.Helper()
	f := &fakeGAM{t: t, handlers: handlers}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := New(Config{ApplicationName: "delivery-check", NetworkCode: "1234", Endpoint: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, f, srv
}

func TestNew_Validates(t *testing.T) {
	if _, err := New(Config{ApplicationName: "x"}, nil); err == nil {
		t.Fatalf("expected error for missing network code")
	}
	if _, err := New(Config{NetworkCode: "1"}, nil); err == nil {
		t.Fatalf("expected error for missing application name")
	}
	c, err := New(Config{ApplicationName: "x", NetworkCode: "1"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.serviceURL("ReportService"); got != DefaultEndpoint+"/"+DefaultVersion+"/ReportService" {
		t.Fatalf("serviceURL = %q", got)
	}
}

func TestSavedQuery(t *testing.T) {
	c, f, _ := newTestClient(t, map[string]func(http.ResponseWriter, string){
		"getSavedQueriesByStatement": func(w http.ResponseWriter, _ string) {
			_, _ = io.WriteString(w, soapResponse(`<getSavedQueriesByStatementResponse xmlns="https://www.google.com/apis/ads/publisher/v202508">
<rval><totalResultSetSize>1</totalResultSetSize><startIndex>0</startIndex>
<results><id>42</id><name>Video delivery</name>
<reportQuery><dimensions>LINE_ITEM_ID</dimensions><columns>AD_SERVER_IMPRESSIONS</columns></reportQuery>
<isCompatibleWithApiVersion>true</isCompatibleWithApiVersion></results>
</rval></getSavedQueriesByStatementResponse>`))
		},
	})

	def, err := c.SavedQuery(context.Background(), 42)
	if err != nil {
		t.Fatalf("SavedQuery: %v", err)
	}
	if def.ID != 42 || def.Name != "Video delivery" {
		t.Fatalf("unexpected definition %+v", def)
	}
	if !strings.Contains(string(def.Query), "<dimensions>LINE_ITEM_ID</dimensions>") {
		t.Fatalf("query not kept verbatim: %s", def.Query)
	}

	req := f.requests[0]
	for _, want := range []string{
		"<networkCode>1234</networkCode>",
		"<applicationName>delivery-check</applicationName>",
		"<query>WHERE id = :id LIMIT 1</query>",
		`xsi:type="NumberValue"`,
		"<value>42</value>",
	} {
		if !strings.Contains(req, want) {
			t.Fatalf("request missing %q:\n%s", want, req)
		}
	}
}

func TestSavedQuery_NotFound(t *testing.T) {
	c, _, _ := newTestClient(t, map[string]func(http.ResponseWriter, string){
		"getSavedQueriesByStatement": func(w http.ResponseWriter, _ string) {
			_, _ = io.WriteString(w, soapResponse(`<getSavedQueriesByStatementResponse><rval><totalResultSetSize>0</totalResultSetSize></rval></getSavedQueriesByStatementResponse>`))
		},
	})
	if _, err := c.SavedQuery(context.Background(), 7); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestRunReportJob_SendsQueryBack(t *testing.T) {
	c, f, _ := newTestClient(t, map[string]func(http.ResponseWriter, string){
		"runReportJob": func(w http.ResponseWriter, _ string) {
			_, _ = io.WriteString(w, soapResponse(`<runReportJobResponse><rval><id>9001</id></rval></runReportJobResponse>`))
		},
	})
	id, err := c.RunReportJob(context.Background(), report.Definition{ID: 1, Query: []byte("<dimensions>LINE_ITEM_ID</dimensions>")})
	if err != nil {
		t.Fatalf("RunReportJob: %v", err)
	}
	if id != "9001" {
		t.Fatalf("job id = %q", id)
	}
	if !strings.Contains(f.requests[0], "<reportQuery><dimensions>LINE_ITEM_ID</dimensions></reportQuery>") {
		t.Fatalf("query not embedded: %s", f.requests[0])
	}
}

func TestJobStatus(t *testing.T) {
	c, _, _ := newTestClient(t, map[string]func(http.ResponseWriter, string){
		"getReportJobStatus": func(w http.ResponseWriter, body string) {
			if !strings.Contains(body, "<reportJobId>77</reportJobId>") {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = io.WriteString(w, soapResponse(`<getReportJobStatusResponse><rval>IN_PROGRESS</rval></getReportJobStatusResponse>`))
		},
	})
	got, err := c.JobStatus(context.Background(), "77")
	if err != nil || got != "IN_PROGRESS" {
		t.Fatalf("JobStatus = (%q, %v)", got, err)
	}
}

func TestCall_FaultBecomesError(t *testing.T) {
	c, _, _ := newTestClient(t, map[string]func(http.ResponseWriter, string){
		"getReportJobStatus": func(w http.ResponseWriter, _ string) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, soapResponse(`<soap:Fault><faultcode>soap:Server</faultcode>
<faultstring>[AuthenticationError.NETWORK_NOT_FOUND @ ]</faultstring>
<detail><ApiExceptionFault><message>denied</message>
<errors><fieldPath></fieldPath><trigger>1234</trigger><errorString>AuthenticationError.NETWORK_NOT_FOUND</errorString></errors>
</ApiExceptionFault></detail></soap:Fault>`))
		},
	})
	_, err := c.JobStatus(context.Background(), "1")
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected *Fault, got %v", err)
	}
	if len(fault.Detail.Errors) != 1 || fault.Detail.Errors[0].Reason != "AuthenticationError.NETWORK_NOT_FOUND" {
		t.Fatalf("unexpected fault detail %+v", fault.Detail)
	}
	if !strings.Contains(err.Error(), `trigger="1234"`) {
		t.Fatalf("fault message missing trigger: %s", err)
	}
}

func TestCall_NonXMLErrorStatus(t *testing.T) {
	c, _, _ := newTestClient(t, map[string]func(http.ResponseWriter, string){
		"getReportJobStatus": func(w http.ResponseWriter, _ string) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "upstream unavailable")
		},
	})
	_, err := c.JobStatus(context.Background(), "1")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestResults_DownloadsSignedURL(t *testing.T) {
	var srvURL string
	c, f, srv := newTestClient(t, map[string]func(http.ResponseWriter, string){
		"getReportDownloadUrlWithOptions": func(w http.ResponseWriter, _ string) {
			_, _ = io.WriteString(w, soapResponse(`<getReportDownloadUrlWithOptionsResponse><rval>`+srvURL+`/download</rval></getReportDownloadUrlWithOptionsResponse>`))
		},
		"download": func(w http.ResponseWriter, _ string) {
			_, _ = io.WriteString(w, "payload")
		},
	})
	srvURL = srv.URL

	rc, err := c.Results(context.Background(), "5")
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "payload" {
		t.Fatalf("body = %q", b)
	}
	req := f.requests[0]
	if !strings.Contains(req, "<exportFormat>CSV_DUMP</exportFormat>") || !strings.Contains(req, "<useGzipCompression>true</useGzipCompression>") {
		t.Fatalf("unexpected download options: %s", req)
	}
}

func TestResults_DownloadFailure(t *testing.T) {
	var srvURL string
	c, _, srv := newTestClient(t, map[string]func(http.ResponseWriter, string){
		"getReportDownloadUrlWithOptions": func(w http.ResponseWriter, _ string) {
			_, _ = io.WriteString(w, soapResponse(`<r><rval>`+srvURL+`/missing</rval></r>`))
		},
	})
	srvURL = srv.URL
	if _, err := c.Results(context.Background(), "5"); err == nil {
		t.Fatalf("expected download error")
	}
}

func TestLoadCredentials(t *testing.T) {
	inline := `{"type":"service_account"}`
	b, err := LoadCredentials("  " + inline)
	if err != nil || string(b) != inline {
		t.Fatalf("inline: (%s, %v)", b, err)
	}

	p := filepath.Join(t.TempDir(), "sa.json")
	if err := os.WriteFile(p, []byte(inline), 0o600); err != nil {
		t.Fatal(err)
	}
	b, err = LoadCredentials(p)
	if err != nil || string(b) != inline {
		t.Fatalf("file: (%s, %v)", b, err)
	}

	if _, err := LoadCredentials(""); err == nil {
		t.Fatalf("expected error for empty value")
	}
	if _, err := LoadCredentials(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
