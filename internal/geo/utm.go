package geo

import (
	"fmt"
	"math"
)

// EPSG prefixes for WGS 84 / UTM zones
const (
	epsgUTMNorth = 32600
	epsgUTMSouth = 32700

	// EPSGWGS84 is geographic lon/lat on the WGS 84 datum
	EPSGWGS84 = 4326
)

// UTMZone returns the UTM zone number for a lat/lon location, including the
// Norway (zone 32) and Svalbard (zones 31/33/35/37) exceptions
func UTMZone(lat, lon float64) int {
	zone := int(math.Floor((lon+180)/6)) + 1
	if zone > 60 {
		// lon == 180 belongs to the last zone
		zone = 60
	}

	switch {
	case lat >= 56 && lat < 64 && lon >= 3 && lon < 12:
		zone = 32
	case lat >= 72 && lat < 84:
		switch {
		case lon >= 0 && lon < 9:
			zone = 31
		case lon >= 9 && lon < 21:
			zone = 33
		case lon >= 21 && lon < 33:
			zone = 35
		case lon >= 33 && lon < 42:
			zone = 37
		}
	}

	return zone
}

// UTMEPSG returns the EPSG code for a WGS 84 UTM zone
func UTMEPSG(zone int, north bool) int {
	if north {
		return epsgUTMNorth + zone
	}
	return epsgUTMSouth + zone
}

// ParseUTMEPSG splits a WGS 84 UTM EPSG code into zone and hemisphere
func ParseUTMEPSG(epsg int) (zone int, north bool, err error) {
	switch {
	case epsg > epsgUTMNorth && epsg <= epsgUTMNorth+60:
		return epsg - epsgUTMNorth, true, nil
	case epsg > epsgUTMSouth && epsg <= epsgUTMSouth+60:
		return epsg - epsgUTMSouth, false, nil
	}
	return 0, false, fmt.Errorf("EPSG:%d is not a WGS 84 UTM zone", epsg)
}

// CRSCode formats an EPSG code the way the pixel service expects it
func CRSCode(epsg int) string {
	return fmt.Sprintf("EPSG:%d", epsg)
}
