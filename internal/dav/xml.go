package dav

import (
	"bytes"
	"encoding/xml"
)

// propNamespace qualifies the mail-specific properties.
const propNamespace = "urn:mailsync:props"

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:m="` + propNamespace + `">
  <d:prop>
    <d:resourcetype/>
    <d:getlastmodified/>
    <d:getcontentlength/>
    <m:read/>
    <m:flagged/>
    <m:answered/>
    <m:folder/>
  </d:prop>
</d:propfind>`

// proppatchBody renders a propertyupdate setting the non-nil fields.
func proppatchBody(p FlagPatch) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<d:propertyupdate xmlns:d="DAV:" xmlns:m="` + propNamespace + `">`)
	b.WriteString(`<d:set><d:prop>`)

	writeBool := func(name string, v *bool) {
		if v == nil {
			return
		}
		val := "0"
		if *v {
			val = "1"
		}
		b.WriteString("<m:" + name + ">" + val + "</m:" + name + ">")
	}
	writeBool("read", p.Read)
	writeBool("flagged", p.Flagged)
	writeBool("answered", p.Answered)

	if p.Folder != nil {
		b.WriteString("<m:folder>")
		_ = xml.EscapeText(&b, []byte(*p.Folder))
		b.WriteString("</m:folder>")
	}

	b.WriteString(`</d:prop></d:set></d:propertyupdate>`)
	return b.Bytes()
}
