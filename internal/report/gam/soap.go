package gam

import (
	"encoding/xml"
	"fmt"
	"strings"
)

const (
	soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	xsiNS          = "http://www.w3.org/2001/XMLSchema-instance"
)

// Outgoing envelope. Prefixed element names are written literally.
type envelope struct {
	XMLName xml.Name      `xml:"soapenv:Envelope"`
	SoapNS  string        `xml:"xmlns:soapenv,attr"`
	XsiNS   string        `xml:"xmlns:xsi,attr"`
	Header  requestHeader `xml:"soapenv:Header>RequestHeader"`
	Body    envelopeBody  `xml:"soapenv:Body"`
}

type envelopeBody struct {
	Content any
}

type requestHeader struct {
	XMLNS           string `xml:"xmlns,attr"`
	NetworkCode     string `xml:"networkCode"`
	ApplicationName string `xml:"applicationName"`
}

// rawXML carries an element's children verbatim in both directions.
type rawXML struct {
	Inner []byte `xml:",innerxml"`
}

type getCurrentNetwork struct {
	XMLName xml.Name `xml:"getCurrentNetwork"`
	XMLNS   string   `xml:"xmlns,attr"`
}

type getSavedQueriesByStatement struct {
	XMLName   xml.Name  `xml:"getSavedQueriesByStatement"`
	XMLNS     string    `xml:"xmlns,attr"`
	Statement statement `xml:"filterStatement"`
}

type statement struct {
	Query  string                `xml:"query"`
	Values []stringValueMapEntry `xml:"values"`
}

type stringValueMapEntry struct {
	Key   string      `xml:"key"`
	Value numberValue `xml:"value"`
}

type numberValue struct {
	Type  string `xml:"xsi:type,attr"`
	Value string `xml:"value"`
}

type runReportJob struct {
	XMLName   xml.Name `xml:"runReportJob"`
	XMLNS     string   `xml:"xmlns,attr"`
	ReportJob struct {
		ReportQuery rawXML `xml:"reportQuery"`
	} `xml:"reportJob"`
}

type getReportJobStatus struct {
	XMLName     xml.Name `xml:"getReportJobStatus"`
	XMLNS       string   `xml:"xmlns,attr"`
	ReportJobID string   `xml:"reportJobId"`
}

type getReportDownloadURLWithOptions struct {
	XMLName     xml.Name `xml:"getReportDownloadUrlWithOptions"`
	XMLNS       string   `xml:"xmlns,attr"`
	ReportJobID string   `xml:"reportJobId"`
	Options     struct {
		ExportFormat       string `xml:"exportFormat"`
		UseGzipCompression bool   `xml:"useGzipCompression"`
	} `xml:"reportDownloadOptions"`
}

// Incoming envelope. Names match on local part, whatever the prefix.
type responseEnvelope struct {
	Body struct {
		Fault *Fault `xml:"Fault"`
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

// Fault is a SOAP fault returned by the API.
type Fault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail struct {
		Errors []struct {
			Reason    string `xml:"errorString"`
			FieldPath string `xml:"fieldPath"`
			Trigger   string `xml:"trigger"`
		} `xml:"ApiExceptionFault>errors"`
	} `xml:"detail"`
}

// Error implements error.
func (f *Fault) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gam: soap fault %s: %s", f.Code, strings.TrimSpace(f.String))
	for _, e := range f.Detail.Errors {
		fmt.Fprintf(&b, " [%s", e.Reason)
		if e.FieldPath != "" {
			fmt.Fprintf(&b, " @%s", e.FieldPath)
		}
		if e.Trigger != "" {
			fmt.Fprintf(&b, " trigger=%q", e.Trigger)
		}
		b.WriteString("]")
	}
	return b.String()
}
