package kleinanzeigen

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"apartment-watcher/models"
)

var numberRegexp = regexp.MustCompile(`\d+(?:[.,]\d+)?`)

// ParseSearchResults extracts candidate listings from a rendered
// search-results page. Optional fields the card omits stay nil; a card that
// cannot be identified at all is collected as a ParseFailure and never
// aborts the rest of the batch.
func ParseSearchResults(html string) ([]*models.RawListing, []models.ParseFailure) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, []models.ParseFailure{{Err: fmt.Errorf("parse document: %w", err)}}
	}

	var (
		candidates []*models.RawListing
		failures   []models.ParseFailure
	)

	doc.Find("#srchrslt-adtable article.aditem").Each(func(_ int, card *goquery.Selection) {
		adID := strings.TrimSpace(card.AttrOr("data-adid", ""))
		href := strings.TrimSpace(card.AttrOr("data-href", ""))

		if adID == "" || href == "" {
			failures = append(failures, models.ParseFailure{
				ExternalID: adID,
				URL:        href,
				Err:        errors.New("card missing data-adid or data-href"),
			})
			return
		}

		listingURL := href
		if strings.HasPrefix(href, "/") {
			listingURL = baseURL + href
		}

		raw := &models.RawListing{
			ExternalID:  adID,
			Title:       cleanText(card.Find("a.ellipsis").First().Text()),
			Location:    cleanText(card.Find("div.aditem-main--top--left").First().Text()),
			Description: cleanText(card.Find("p.aditem-main--middle--description").First().Text()),
			URL:         listingURL,
			ScrapedAt:   time.Now(),
			Source:      source,
		}

		raw.Price = extractNumber(card.Find("p.aditem-main--middle--price-shipping--price").First().Text())

		card.Find("span.simpletag").Each(func(_ int, tag *goquery.Selection) {
			text := strings.TrimSpace(tag.Text())
			switch {
			case strings.Contains(text, "m²"):
				raw.Size = extractNumber(text)
			case strings.Contains(text, "Zi."):
				if n := extractNumber(strings.TrimSuffix(text, ".")); n != nil {
					rooms := int(*n)
					raw.Rooms = &rooms
				}
			}
		})

		candidates = append(candidates, raw)
	})

	return candidates, failures
}

// extractNumber pulls the first decimal number out of free text such as
// "560 €" or "70,5 m²", treating a comma as decimal separator. Returns nil
// when the text carries no number ("VB", "Preis auf Anfrage").
func extractNumber(text string) *float64 {
	match := numberRegexp.FindString(text)
	if match == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", "."), 64)
	if err != nil {
		return nil
	}
	return &v
}

// cleanText strips leading/trailing whitespace and collapses internal
// whitespace runs.
func cleanText(s string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(s), func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}
