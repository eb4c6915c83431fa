package extract

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const presentationMLNS = "http://schemas.openxmlformats.org/presentationml/2006/main"

var slidePart = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// presentation is the part of ppt/presentation.xml that fixes slide order.
type presentation struct {
	SlideIDs []struct {
		RelID string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
	} `xml:"sldIdLst>sldId"`
}

type relationships struct {
	Rels []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

// extractPowerPoint emits "[Slide N]" blocks with the text of every shape
// text body on the slide, in presentation order. Slides without text are
// left out but keep their number.
func extractPowerPoint(content []byte) (string, error) {
	zr, err := openZip(content)
	if err != nil {
		return "", err
	}

	slides, err := presentationOrder(zr)
	if err != nil {
		return "", err
	}
	if len(slides) == 0 {
		slides = partOrder(zr)
	}
	if len(slides) == 0 {
		return "", fmt.Errorf("no slides found")
	}

	var parts []string
	for i, name := range slides {
		texts, err := slideTexts(zr, name)
		if err != nil {
			return "", err
		}
		if len(texts) > 0 {
			parts = append(parts, fmt.Sprintf("[Slide %d]\n%s", i+1, strings.Join(texts, "\n")))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// presentationOrder resolves <p:sldIdLst> through the presentation's
// relationships. It returns nil without error when the deck has no
// presentation part.
func presentationOrder(zr *zip.Reader) ([]string, error) {
	if !hasPart(zr, "ppt/presentation.xml") || !hasPart(zr, "ppt/_rels/presentation.xml.rels") {
		return nil, nil
	}
	var pres presentation
	if err := decodePart(zr, "ppt/presentation.xml", &pres); err != nil {
		return nil, err
	}
	var rels relationships
	if err := decodePart(zr, "ppt/_rels/presentation.xml.rels", &rels); err != nil {
		return nil, err
	}
	targets := make(map[string]string, len(rels.Rels))
	for _, r := range rels.Rels {
		targets[r.ID] = r.Target
	}

	var slides []string
	for _, id := range pres.SlideIDs {
		target, ok := targets[id.RelID]
		if !ok {
			continue
		}
		name := path.Join("ppt", target)
		if strings.HasPrefix(target, "/") {
			name = strings.TrimPrefix(target, "/")
		}
		if hasPart(zr, name) {
			slides = append(slides, name)
		}
	}
	return slides, nil
}

// partOrder sorts slide parts by the number in their name.
func partOrder(zr *zip.Reader) []string {
	type slide struct {
		num  int
		name string
	}
	var slides []slide
	for _, f := range zr.File {
		if m := slidePart.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{num: n, name: f.Name})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })
	names := make([]string, len(slides))
	for i, s := range slides {
		names[i] = s.name
	}
	return names
}

func hasPart(zr *zip.Reader, name string) bool {
	for _, f := range zr.File {
		if f.Name == name {
			return true
		}
	}
	return false
}

func decodePart(zr *zip.Reader, name string, v any) error {
	rc, err := openPart(zr, name)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	if err := xml.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func slideTexts(zr *zip.Reader, name string) ([]string, error) {
	rc, err := openPart(zr, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	d := xml.NewDecoder(rc)
	var texts []string
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return texts, nil
		}
		if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "txBody" || se.Name.Space != presentationMLNS {
			continue
		}
		text, err := shapeText(d)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) != "" {
			texts = append(texts, text)
		}
	}
}

// shapeText consumes a <p:txBody> and joins its paragraphs with newlines.
func shapeText(d *xml.Decoder) (string, error) {
	var paras []string
	for {
		tok, err := d.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "p" {
				text, err := runText(d)
				if err != nil {
					return "", err
				}
				paras = append(paras, text)
			}
		case xml.EndElement:
			if t.Name.Local == "txBody" {
				return strings.Join(paras, "\n"), nil
			}
		}
	}
}
