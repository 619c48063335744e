package marketplace

import (
	"io"
	"time"
)

// Gallery extensionquery filter types and flags. These values are part of the
// gallery wire protocol.
const (
	filterTypeTarget        = 8
	filterTypeSearchText    = 10
	filterTypeExtensionName = 7

	flagIncludeStatistics = 0x100
	flagIncludeVersions   = 0x1

	sortByTitle       = 2
	sortOrderAscending = 1

	vscodeTarget = "Microsoft.VisualStudio.Code"
)

// queryRequest is the extensionquery POST body.
type queryRequest struct {
	Filters []queryFilter `json:"filters"`
	Flags   int           `json:"flags"`
}

type queryFilter struct {
	Criteria   []filterCriterion `json:"criteria"`
	PageNumber int               `json:"pageNumber"`
	PageSize   int               `json:"pageSize"`
	SortBy     int               `json:"sortBy,omitempty"`
	SortOrder  int               `json:"sortOrder,omitempty"`
}

type filterCriterion struct {
	FilterType int    `json:"filterType"`
	Value      string `json:"value"`
}

// queryResponse is the extensionquery response envelope.
type queryResponse struct {
	Results []queryResult `json:"results"`
}

type queryResult struct {
	Extensions     []Extension      `json:"extensions"`
	ResultMetadata []resultMetadata `json:"resultMetadata"`
}

type resultMetadata struct {
	MetadataType  string         `json:"metadataType"`
	MetadataItems []metadataItem `json:"metadataItems"`
}

type metadataItem struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Publisher is the gallery's publisher record as embedded in each extension.
type Publisher struct {
	PublisherID      string `json:"publisherId"`
	PublisherName    string `json:"publisherName"`
	DisplayName      string `json:"displayName"`
	Flags            string `json:"flags"`
	Domain           string `json:"domain"`
	IsDomainVerified bool   `json:"isDomainVerified"`
}

// Extension is a single gallery catalog entry.
type Extension struct {
	Publisher        Publisher   `json:"publisher"`
	ExtensionID      string      `json:"extensionId"`
	ExtensionName    string      `json:"extensionName"`
	DisplayName      string      `json:"displayName"`
	Flags            string      `json:"flags"`
	ShortDescription string      `json:"shortDescription"`
	LastUpdated      time.Time   `json:"lastUpdated"`
	PublishedDate    time.Time   `json:"publishedDate"`
	ReleaseDate      time.Time   `json:"releaseDate"`
	Versions         []Version   `json:"versions"`
	Statistics       []Statistic `json:"statistics"`
}

// Identifier returns the canonical "publisher.name" identifier.
func (e *Extension) Identifier() string {
	return e.Publisher.PublisherName + "." + e.ExtensionName
}

// LatestVersion returns the first listed version, which the gallery orders
// newest-first. Empty when the listing carried no versions.
func (e *Extension) LatestVersion() string {
	if len(e.Versions) == 0 {
		return ""
	}
	return e.Versions[0].Version
}

// Statistic is a single named gallery metric.
type Statistic struct {
	StatisticName string  `json:"statisticName"`
	Value         float64 `json:"value"`
}

// Stat returns the named statistic or zero when absent.
func (e *Extension) Stat(name string) float64 {
	for _, s := range e.Statistics {
		if s.StatisticName == name {
			return s.Value
		}
	}
	return 0
}

// Version is a single release descriptor from a gallery version listing.
type Version struct {
	Version     string     `json:"version"`
	Flags       string     `json:"flags"`
	LastUpdated time.Time  `json:"lastUpdated"`
	AssetURI    string     `json:"assetUri"`
	Properties  []Property `json:"properties"`
}

// Property is a key/value pair attached to a version.
type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// CatalogPage is one page of the full catalog walk.
type CatalogPage struct {
	Extensions []Extension
	// TotalCount is the gallery's reported catalog size, present on every
	// page. Zero when the gallery omitted the metadata.
	TotalCount int
}

// Artifact is a downloaded archive stream. The caller must close Body.
type Artifact struct {
	Body        io.ReadCloser
	Size        int64 // -1 if unknown
	ContentType string
}

// Review is a single user review of an extension.
type Review struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"userId"`
	UserDisplayName string    `json:"userDisplayName"`
	Rating          int       `json:"rating"`
	Text            string    `json:"text"`
	ProductVersion  string    `json:"productVersion"`
	UpdatedDate     time.Time `json:"updatedDate"`
}

type reviewsResponse struct {
	Reviews []Review `json:"reviews"`
}
