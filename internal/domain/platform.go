package domain

import "strings"

// Platform enumerates the chat platforms a session can originate from.
type Platform string

const (
	PlatformWhatsApp  Platform = "WHATSAPP"
	PlatformInstagram Platform = "INSTAGRAM"
	PlatformFacebook  Platform = "FACEBOOK"
	PlatformTelegram  Platform = "TELEGRAM"
	PlatformWebChat   Platform = "WEBCHAT"
)

// ParsePlatform normalizes a platform name; unknown values are returned upper-cased.
func ParsePlatform(val string) Platform {
	return Platform(strings.ToUpper(strings.TrimSpace(val)))
}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformWhatsApp, PlatformInstagram, PlatformFacebook, PlatformTelegram, PlatformWebChat:
		return true
	}
	return false
}
