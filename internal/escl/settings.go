package escl

import (
	"encoding/xml"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Target addresses one eSCL endpoint.
type Target struct {
	IP     string
	Port   int
	UseTLS bool
	RSPath string // resource path segment, default "eSCL"
}

// Settings carries the scan parameters requested by the backend,
// still in their logical form.
type Settings struct {
	Resolution int
	ColorMode  string
	Source     string // "flatbed" or "adf"
	Duplex     bool
	Format     string // logical: "pdf" or an image format
}

// BaseURL returns the eSCL resource root for a target, e.g.
// https://192.168.1.50:443/eSCL. IPv6 literals are bracketed.
func BaseURL(t Target) string {
	return originURL(t) + "/" + resourcePath(t)
}

// originURL is the scheme://host:port part of every URL for a target.
func originURL(t Target) string {
	scheme := "http"
	if t.UseTLS || t.Port == 443 {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(t.IP, strconv.Itoa(t.Port)))
}

func resourcePath(t Target) string {
	p := strings.TrimLeft(t.RSPath, "/")
	if p == "" {
		return "eSCL"
	}
	return p
}

// MIMEFormat maps the logical format of a scan command to the MIME type
// sent to the scanner: "pdf" becomes application/pdf, everything else
// image/jpeg.
func MIMEFormat(logical string) string {
	if logical == "pdf" {
		return "application/pdf"
	}
	return "image/jpeg"
}

const settingsTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<scan:ScanSettings xmlns:scan="http://schemas.hp.com/imaging/escl/2011/05/03"
                   xmlns:pwg="http://www.pwg.org/schemas/2010/12/sm">
    <pwg:Version>2.0</pwg:Version>
    <scan:Intent>Document</scan:Intent>
    <pwg:ScanRegions>
        <pwg:ScanRegion>
            <pwg:ContentRegionUnits>escl:ThreeHundredthsOfInches</pwg:ContentRegionUnits>
            <pwg:XOffset>0</pwg:XOffset>
            <pwg:YOffset>0</pwg:YOffset>
            <pwg:Width>2550</pwg:Width>
            <pwg:Height>3300</pwg:Height>
        </pwg:ScanRegion>
    </pwg:ScanRegions>
    <pwg:InputSource>%s</pwg:InputSource>
    <scan:ColorMode>%s</scan:ColorMode>
    <scan:XResolution>%d</scan:XResolution>
    <scan:YResolution>%d</scan:YResolution>
    <pwg:DocumentFormat>%s</pwg:DocumentFormat>
</scan:ScanSettings>`

// SettingsXML renders the ScanSettings document for a job request.
// The scan region is fixed US Letter at 300ths of an inch.
func SettingsXML(s Settings) string {
	source := "Platen"
	if s.Source == "adf" {
		source = "Feeder"
	}
	return fmt.Sprintf(settingsTemplate,
		source, xmlEscape(s.ColorMode), s.Resolution, s.Resolution, MIMEFormat(s.Format))
}

func xmlEscape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s)) // never fails on a strings.Builder
	return b.String()
}
