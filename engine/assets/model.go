// Package assets assembles domain-shaped views over the twin graph:
// categorized asset trees, devices with their points, and point-asset
// pairings.
package assets

import (
	"time"

	"github.com/twinhub/twincore/engine/twins"
)

// Root models and relationship names the composition queries are built
// around.
const (
	ModelAsset  = "dtmi:twincore:Asset;1"
	ModelDevice = "dtmi:twincore:Device;1"
	ModelPoint  = "dtmi:twincore:Point;1"
	ModelLevel  = "dtmi:twincore:Level;1"

	RelIsCapabilityOf = "isCapabilityOf"
	RelHostedBy       = "hostedBy"
	RelLocatedIn      = "locatedIn"
	RelIsPartOf       = "isPartOf"
)

// Asset is a read-only projection of a twin enriched with category and
// floor association.
type Asset struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	ModelID      string                    `json:"modelId"`
	UniqueID     string                    `json:"uniqueId,omitempty"`
	CategoryID   string                    `json:"categoryId"`
	CategoryName string                    `json:"categoryName"`
	FloorID      string                    `json:"floorId,omitempty"` // empty when no floor association was found
	Tags         []string                  `json:"tags,omitempty"`
	Properties   map[string]twins.Property `json:"properties,omitempty"`
}

// Point is a capability twin: a measurable or commandable value hosted by
// a device and attached to an asset.
type Point struct {
	ID            string                    `json:"id"`
	Name          string                    `json:"name"`
	ModelID       string                    `json:"modelId"`
	UniqueID      string                    `json:"uniqueId,omitempty"`
	ExternalID    string                    `json:"externalId,omitempty"`
	TrendID       string                    `json:"trendId,omitempty"`
	TrendInterval time.Duration             `json:"trendInterval"`
	Unit          string                    `json:"unit,omitempty"`
	Type          string                    `json:"type,omitempty"`
	Enabled       bool                      `json:"enabled"`
	Tags          []string                  `json:"tags,omitempty"`
	Properties    map[string]twins.Property `json:"properties,omitempty"`
}

// Device is a twin hosting points.
type Device struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	ModelID    string  `json:"modelId"`
	UniqueID   string  `json:"uniqueId,omitempty"`
	ExternalID string  `json:"externalId,omitempty"`
	Points     []Point `json:"points"`
}

// PointAssetPair links a point to the asset it is a capability of. Asset
// is nil for an unpaired point when the caller asked for those.
type PointAssetPair struct {
	Point Point  `json:"point"`
	Asset *Asset `json:"asset,omitempty"`
}

// Category is one node of the pruned category tree: a model-schema node
// with the assets of exactly that model, plus non-empty child categories.
type Category struct {
	ModelID  string      `json:"modelId"`
	Name     string      `json:"name"`
	Assets   []Asset     `json:"assets,omitempty"`
	Children []*Category `json:"children,omitempty"`
}

// AssetSummary is one row of the analytics capability rollup: how many
// points or hosted devices relate to an asset.
type AssetSummary struct {
	AssetID string `json:"assetId"`
	Name    string `json:"name"`
	Kind    string `json:"kind"` // "point" or "device"
	Count   int    `json:"count"`
}
