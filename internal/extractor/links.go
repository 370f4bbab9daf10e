package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// ExtractLinksFromDocument collects anchor and resource attributes. Targets are
// returned untouched; resolution and filtering belong to the frontier package.
func (h *HTMLContentExtractor) ExtractLinksFromDocument(doc *goquery.Document) []Link {
	var links []Link
	if len(h.Config.LinkAttributes) == 0 {
		return links
	}

	selectors := make([]string, 0, len(h.Config.LinkAttributes))
	for _, attr := range h.Config.LinkAttributes {
		selectors = append(selectors, "["+attr+"]")
	}

	position := 0
	doc.Find(strings.Join(selectors, ", ")).Each(func(i int, s *goquery.Selection) {
		// <base href> changes resolution, it is not a link to follow
		if goquery.NodeName(s) == "base" {
			return
		}

		for _, attr := range h.Config.LinkAttributes {
			target, exists := s.Attr(attr)
			target = strings.TrimSpace(target)
			if !exists || target == "" {
				continue
			}
			links = append(links, Link{
				Target:   target,
				Attr:     attr,
				Position: position,
			})
			position++
		}
	})

	h.Logger.Debug("extracted links from document", zap.Int("total_links", len(links)))

	return links
}
