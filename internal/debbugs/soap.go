package debbugs

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const soapNamespace = "Debbugs/SOAP"

const envelopeHead = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"` +
	` xmlns:soapenc="http://schemas.xmlsoap.org/soap/encoding/"` +
	` xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"` +
	` xmlns:xsd="http://www.w3.org/2001/XMLSchema"` +
	` soap:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
	`<soap:Body>`

const envelopeTail = `</soap:Body></soap:Envelope>`

// param is one argument of a SOAP call, already rendered as XML.
type param func(buf *bytes.Buffer)

func stringArray(name string, values ...string) param {
	return func(buf *bytes.Buffer) {
		fmt.Fprintf(buf, `<%s xsi:type="soapenc:Array" soapenc:arrayType="xsd:anyType[%d]">`, name, len(values))
		for _, v := range values {
			buf.WriteString(`<item xsi:type="xsd:string">`)
			_ = xml.EscapeText(buf, []byte(v))
			buf.WriteString(`</item>`)
		}
		fmt.Fprintf(buf, `</%s>`, name)
	}
}

func intArray(name string, values ...int) param {
	return func(buf *bytes.Buffer) {
		fmt.Fprintf(buf, `<%s xsi:type="soapenc:Array" soapenc:arrayType="xsd:int[%d]">`, name, len(values))
		for _, v := range values {
			fmt.Fprintf(buf, `<item xsi:type="xsd:int">%d</item>`, v)
		}
		fmt.Fprintf(buf, `</%s>`, name)
	}
}

func intParam(name string, v int) param {
	return func(buf *bytes.Buffer) {
		fmt.Fprintf(buf, `<%s xsi:type="xsd:int">%d</%s>`, name, v, name)
	}
}

// buildEnvelope renders a SOAP 1.1 request for method.
func buildEnvelope(method string, params ...param) []byte {
	var buf bytes.Buffer
	buf.WriteString(envelopeHead)
	fmt.Fprintf(&buf, `<ns0:%s xmlns:ns0="%s">`, method, soapNamespace)
	for _, p := range params {
		p(&buf)
	}
	fmt.Fprintf(&buf, `</ns0:%s>`, method)
	buf.WriteString(envelopeTail)
	return buf.Bytes()
}

// node is a generic XML element. SOAP-encoded responses use generated
// wrapper names (s-gensym3 and the like), so responses are walked by
// local name rather than mapped onto fixed structs.
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Text    string     `xml:",chardata"`
	Nodes   []node     `xml:",any"`
}

// Fault is a SOAP fault returned by the server.
type Fault struct {
	Code   string
	String string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("soap fault %s: %s", f.Code, f.String)
}

// errMalformed marks a response that is not the document we asked for.
var errMalformed = errors.New("malformed SOAP response")

// parseResponse decodes an envelope and returns the method response element.
func parseResponse(data []byte, method string) (*node, error) {
	var env node
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.XMLName.Local != "Envelope" {
		return nil, fmt.Errorf("%w: root element %q", errMalformed, env.XMLName.Local)
	}
	body := env.child("Body")
	if body == nil {
		return nil, fmt.Errorf("%w: no Body", errMalformed)
	}
	if f := body.child("Fault"); f != nil {
		return nil, &Fault{Code: f.childText("faultcode"), String: f.childText("faultstring")}
	}
	resp := body.child(method + "Response")
	if resp == nil {
		return nil, fmt.Errorf("%w: no %sResponse", errMalformed, method)
	}
	return resp, nil
}

func (n *node) child(local string) *node {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == local {
			return &n.Nodes[i]
		}
	}
	return nil
}

func (n *node) childText(local string) string {
	if c := n.child(local); c != nil {
		return c.value()
	}
	return ""
}

// items returns the outermost item descendants of n. Arrays yield their
// elements; hashes yield key/value pairs.
func (n *node) items() []*node {
	var out []*node
	var walk func(*node)
	walk = func(cur *node) {
		for i := range cur.Nodes {
			c := &cur.Nodes[i]
			if c.XMLName.Local == "item" {
				out = append(out, c)
				continue
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

// value returns the element text, decoding base64Binary payloads, which
// the server uses for anything that is not plain ASCII.
func (n *node) value() string {
	for _, a := range n.Attrs {
		if a.Name.Local == "type" && strings.HasSuffix(a.Value, "base64Binary") {
			decoded, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(n.Text), ""))
			if err == nil {
				return string(decoded)
			}
		}
	}
	return strings.TrimSpace(n.Text)
}

// list returns the texts of an array element, or splits a scalar on
// whitespace. Tags come back either way depending on the server version.
func (n *node) list() []string {
	if len(n.Nodes) > 0 {
		var out []string
		for _, it := range n.items() {
			if v := it.value(); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return strings.Fields(n.value())
}

func (n *node) intValue() (int, error) {
	return strconv.Atoi(n.value())
}
