// Package parser decodes WebDAV multi-status listings and raw RFC 5322
// message payloads into the local message model.
package parser

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Resource is one entry of a multi-status reply.
type Resource struct {
	Href   string
	Status int

	// Props maps property local names (e.g. "getlastmodified", "read")
	// to their text content.
	Props map[string]string
}

// ID returns the resource file name without the .eml extension.
func (r Resource) ID() string {
	return strings.TrimSuffix(path.Base(strings.TrimRight(r.Href, "/")), ".eml")
}

// IsCollection reports whether the resource is a folder rather than a
// message.
func (r Resource) IsCollection() bool {
	if strings.HasSuffix(r.Href, "/") {
		return true
	}
	_, ok := r.Props["collection"]
	return ok
}

// Prop returns a property value and whether it was present.
func (r Resource) Prop(name string) (string, bool) {
	v, ok := r.Props[name]
	return v, ok
}

type xmlResponse struct {
	Href     string        `xml:"DAV: href"`
	Status   string        `xml:"DAV: status"`
	Propstat []xmlPropstat `xml:"DAV: propstat"`
}

type xmlPropstat struct {
	Prop   xmlProp `xml:"DAV: prop"`
	Status string  `xml:"DAV: status"`
}

type xmlProp struct {
	Any []xmlAnyProp `xml:",any"`
}

type xmlAnyProp struct {
	XMLName xml.Name
	Value   string       `xml:",chardata"`
	Inner   []xmlAnyProp `xml:",any"`
}

// ParseMultiStatus decodes a DAV: multistatus document. A response entry
// that cannot be decoded or lacks an href is skipped and logged; a
// document that is not XML at all is an error.
func ParseMultiStatus(r io.Reader, log logrus.FieldLogger) ([]Resource, error) {
	dec := xml.NewDecoder(r)

	var (
		resources []Resource
		sawRoot   bool
		skipped   int
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !sawRoot {
				return nil, fmt.Errorf("decoding multistatus: %w", err)
			}
			// Truncated or broken tail: keep what decoded cleanly.
			log.WithError(err).Warn("multistatus body truncated, keeping parsed entries")
			break
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "multistatus":
			sawRoot = true
		case "response":
			var raw xmlResponse
			if err := dec.DecodeElement(&raw, &start); err != nil {
				skipped++
				log.WithError(err).Warn("skipping malformed multistatus response")
				continue
			}
			res, err := raw.toResource()
			if err != nil {
				skipped++
				log.WithError(err).WithField("href", raw.Href).Warn("skipping multistatus response")
				continue
			}
			resources = append(resources, res)
		}
	}

	if !sawRoot {
		return nil, fmt.Errorf("decoding multistatus: no multistatus element")
	}
	if skipped > 0 {
		log.WithField("skipped", skipped).Debug("multistatus parsed with skipped entries")
	}

	return resources, nil
}

func (x xmlResponse) toResource() (Resource, error) {
	href := strings.TrimSpace(x.Href)
	if href == "" {
		return Resource{}, fmt.Errorf("response without href")
	}

	res := Resource{Href: href, Props: make(map[string]string)}

	if x.Status != "" {
		code, err := parseStatusLine(x.Status)
		if err != nil {
			return Resource{}, err
		}
		res.Status = code
	}

	for _, ps := range x.Propstat {
		code := 200
		if ps.Status != "" {
			var err error
			if code, err = parseStatusLine(ps.Status); err != nil {
				return Resource{}, err
			}
		}
		if res.Status == 0 || code == 200 {
			res.Status = code
		}
		if code != 200 {
			continue
		}
		for _, p := range ps.Prop.Any {
			res.Props[p.XMLName.Local] = strings.TrimSpace(p.Value)
			for _, inner := range p.Inner {
				res.Props[inner.XMLName.Local] = strings.TrimSpace(inner.Value)
			}
		}
	}

	if res.Status == 0 {
		res.Status = 200
	}

	return res, nil
}

// parseStatusLine extracts the code from "HTTP/1.1 200 OK".
func parseStatusLine(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	return code, nil
}
