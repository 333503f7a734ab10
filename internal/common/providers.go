package common

// Provider and dataset identifiers used for cache keys, catalog queries and logs
const (
	// ProviderEarthEngine is the cache and internal identifier for the Earth Engine REST API
	ProviderEarthEngine = "earth_engine"

	// DisplayNameEarthEngine is the human-readable provider name
	DisplayNameEarthEngine = "Earth Engine"

	// DefaultProject is the public project that hosts the Sentinel-2 collection
	DefaultProject = "projects/earthengine-public"

	// DefaultCollection is the Sentinel-2 asset collection listed by the catalog
	DefaultCollection = "COPERNICUS/S2"

	// DefaultCloudFilter restricts catalog listings to mostly clear scenes
	DefaultCloudFilter = "CLOUDY_PIXEL_PERCENTAGE < 25"
)
