// Package parser extracts rating tables and reviews from review pages.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PavelKucherenko/sf-ds50-course/models"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ErrInvalidEncoding is returned when a page body is not valid UTF-8.
var ErrInvalidEncoding = errors.New("parser: body is not valid utf-8")

const (
	ratingsContainer = ".choices"
	ratingCheckbox   = ".ui_checkbox.item"
	ratingCountLabel = ".row_num.is-shown-at-tablet"

	reviewContainer = ".review-container"
	reviewSummary   = ".prw_rup.prw_reviews_text_summary_hsx"
	reviewStayDate  = ".prw_rup.prw_reviews_stay_date_hsx"
	reviewHelpful   = ".numHelp"

	// summary and stay date nodes sit this many element levels below the
	// review container.
	reviewFieldDepth = 5
)

var bubbleSelectors = func() []string {
	out := make([]string, len(bucketCodes))
	for i, code := range bucketCodes {
		out[i] = ".ui_bubble_rating.bubble_" + strconv.Itoa(code)
	}
	return out
}()

// ParseDocument builds a document tree from a UTF-8 page body. Malformed markup
// is repaired by the HTML5 parser rather than rejected.
func ParseDocument(body []byte) (*goquery.Document, error) {
	if !utf8.Valid(body) {
		return nil, ErrInvalidEncoding
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Extract runs every extractor over doc.
func Extract(doc *goquery.Document) ([]models.RatingEntry, []models.Review) {
	return ExtractRatingTable(doc), ExtractReviews(doc)
}

// ExtractRatingTable reads the rating distribution. Pages without a ratings
// container yield an empty table.
func ExtractRatingTable(doc *goquery.Document) []models.RatingEntry {
	ratings := []models.RatingEntry{}
	if doc == nil {
		return ratings
	}

	container := doc.Find(ratingsContainer).First()
	if container.Length() == 0 {
		return ratings
	}

	container.ChildrenFiltered(ratingCheckbox).Each(func(_ int, box *goquery.Selection) {
		label := box.ChildrenFiltered(ratingCountLabel).First()
		if label.Length() == 0 {
			return
		}
		value, _ := box.Attr("data-value")
		entry := models.RatingEntry{Stars: value}
		if count, ok := leadingText(label); ok {
			entry.Count = models.StrPtr(NormalizeText(count))
		}
		ratings = append(ratings, entry)
	})
	return ratings
}

// ExtractStarRating returns the star rating of a review node, or nil when no
// bubble marker is present. If several markers match, the lowest wins.
func ExtractStarRating(review *goquery.Selection) *int {
	if review == nil {
		return nil
	}
	for i, selector := range bubbleSelectors {
		if review.Find(selector).Length() > 0 {
			stars, _ := BucketToStars(bucketCodes[i])
			return models.IntPtr(stars)
		}
	}
	return nil
}

// ExtractReviews returns one record per review container in document order.
func ExtractReviews(doc *goquery.Document) []models.Review {
	reviews := []models.Review{}
	if doc == nil {
		return reviews
	}

	doc.Find(reviewContainer).Each(func(_ int, node *goquery.Selection) {
		reviews = append(reviews, extractReview(node))
	})
	return reviews
}

func extractReview(node *goquery.Selection) models.Review {
	var review models.Review

	if id, ok := node.Attr("data-reviewid"); ok {
		review.ID = models.StrPtr(id)
	}

	if summary := descendantsAt(node, reviewFieldDepth).Filter(reviewSummary).First(); summary.Length() > 0 {
		paragraph := summary.ChildrenFiltered("div").ChildrenFiltered("p").First()
		if text, ok := leadingText(paragraph); ok {
			review.Text = models.StrPtr(text)
		}
	}

	if stay := descendantsAt(node, reviewFieldDepth).Filter(reviewStayDate).First(); stay.Length() > 0 {
		if date, ok := SplitVisitDate(stay.Text()); ok {
			review.VisitDate = models.StrPtr(date)
		}
	}

	review.Rating = ExtractStarRating(node)

	if helpful := node.Find(reviewHelpful).First(); helpful.Length() > 0 {
		if text, ok := leadingText(helpful); ok {
			if token, ok := FirstToken(text); ok {
				review.HelpfulCount = models.StrPtr(token)
			}
		}
	}

	return review
}

// descendantsAt selects the element nodes exactly depth levels below sel.
func descendantsAt(sel *goquery.Selection, depth int) *goquery.Selection {
	out := sel
	for i := 0; i < depth; i++ {
		out = out.Children()
	}
	return out
}

// leadingText returns the text that precedes the first child element of the
// first node in sel. The bool is false when there is no such text.
func leadingText(sel *goquery.Selection) (string, bool) {
	if sel == nil || sel.Length() == 0 {
		return "", false
	}

	var b strings.Builder
	found := false
	for c := sel.Nodes[0].FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.TextNode {
			break
		}
		b.WriteString(c.Data)
		found = true
	}
	if !found || b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}
