package normalize

import "strings"

// Canonical body type labels. Shipping surcharges key off these.
const (
	BodySedan       = "Sedan"
	BodyEstate      = "Estate"
	BodySUV         = "SUV/Off-Road/Pick-up"
	BodyConvertible = "Convertible"
	BodyCoupe       = "Coupe"
	BodyHatchback   = "Hatchback"
	BodyVan         = "Van"
	BodyTransporter = "Transporter"
)

var bodyTypes = map[string]string{
	"limousine":                   BodySedan,
	"sedan":                       BodySedan,
	"kombi":                       BodyEstate,
	"estate":                      BodyEstate,
	"estate car":                  BodyEstate,
	"suv":                         BodySUV,
	"geländewagen":                BodySUV,
	"gelaendewagen":               BodySUV,
	"pick-up":                     BodySUV,
	"pickup":                      BodySUV,
	"suv/geländewagen/pickup":     BodySUV,
	"suv / geländewagen / pickup": BodySUV,
	"off-road":                    BodySUV,
	"suv/off-road/pick-up":        BodySUV,
	"cabrio":                      BodyConvertible,
	"cabrio/roadster":             BodyConvertible,
	"roadster":                    BodyConvertible,
	"convertible":                 BodyConvertible,
	"coupé":                       BodyCoupe,
	"coupe":                       BodyCoupe,
	"sportwagen/coupé":            BodyCoupe,
	"sportwagen":                  BodyCoupe,
	"kleinwagen":                  BodyHatchback,
	"hatchback":                   BodyHatchback,
	"van":                         BodyVan,
	"kleinbus":                    BodyVan,
	"van/kleinbus":                BodyVan,
	"van / minibus":               BodyVan,
	"transporter":                 BodyTransporter,
	"kastenwagen":                 BodyTransporter,
}

var fuelTypes = map[string]string{
	"benzin":                  "Petrol",
	"petrol":                  "Petrol",
	"super":                   "Petrol",
	"diesel":                  "Diesel",
	"elektro":                 "Electric",
	"electric":                "Electric",
	"hybrid":                  "Hybrid",
	"hybrid (benzin/elektro)": "Hybrid",
	"hybrid (diesel/elektro)": "Hybrid",
	"plug-in-hybrid":          "Plug-in Hybrid",
	"plug-in hybrid":          "Plug-in Hybrid",
	"autogas (lpg)":           "LPG",
	"lpg":                     "LPG",
	"erdgas (cng)":            "CNG",
	"cng":                     "CNG",
	"wasserstoff":             "Hydrogen",
	"hydrogen":                "Hydrogen",
}

var drivetrains = map[string]string{
	"allrad":        "AWD",
	"allradantrieb": "AWD",
	"4x4":           "AWD",
	"awd":           "AWD",
	"4matic":        "AWD",
	"quattro":       "AWD",
	"xdrive":        "AWD",
	"frontantrieb":  "FWD",
	"front":         "FWD",
	"fwd":           "FWD",
	"heckantrieb":   "RWD",
	"heck":          "RWD",
	"rwd":           "RWD",
}

// Sub-brands folded into their parent make.
var makeAliases = map[string]string{
	"mercedes-amg":     "Mercedes-Benz",
	"mercedes-maybach": "Mercedes-Benz",
}

func lookup(table map[string]string, raw string) string {
	key := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	if key == "" {
		return ""
	}
	return table[key]
}

// MapMake passes the make through, collapsing known sub-brand aliases.
func MapMake(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if parent, ok := makeAliases[strings.ToLower(trimmed)]; ok {
		return parent
	}
	return trimmed
}

// MapBodyType returns the canonical body label, or "" when unknown.
func MapBodyType(raw string) string { return lookup(bodyTypes, raw) }

// MapFuelType returns the canonical fuel label, or "" when unknown.
func MapFuelType(raw string) string { return lookup(fuelTypes, raw) }

// MapDrivetrain returns AWD, FWD, RWD or "".
func MapDrivetrain(raw string) string { return lookup(drivetrains, raw) }
