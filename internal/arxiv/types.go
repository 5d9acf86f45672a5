package arxiv

import "encoding/xml"

// feed is the Atom envelope returned by the arXiv query API.
type feed struct {
	XMLName      xml.Name `xml:"feed"`
	TotalResults int      `xml:"totalResults"`
	Entries      []entry  `xml:"entry"`
}

// entry is one paper in the Atom feed.
type entry struct {
	ID        string       `xml:"id"` // "http://arxiv.org/abs/2301.12345v1"
	Title     string       `xml:"title"`
	Summary   string       `xml:"summary"`   // abstract
	Published string       `xml:"published"` // RFC 3339
	Authors   []atomAuthor `xml:"author"`
	Links     []atomLink   `xml:"link"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}
