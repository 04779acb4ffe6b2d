package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"apartment-watcher/models"
)

// District is one searched city district with its site-assigned location ID.
type District struct {
	Name       string
	LocationID string
}

// defaultDistricts covers the Bremen districts the search targets.
var defaultDistricts = []District{
	{"woltmershausen", "26"},
	{"neustadt", "41"},
	{"arsten", "18881"},
	{"habenhausen", "17479"},
	{"huckelriede", "13502"},
	{"kattenturm", "21199"},
}

// defaultNegativeKeywords reject listings that exclude benefit recipients.
var defaultNegativeKeywords = []string{
	"keine leistungsempfänger",
	"keine jobcenter",
	"keine sozialleistungen",
	"keine hartz",
	"keine arbeitslosengeld",
	"nur berufstätige",
	"nur an berufstätige",
	"keine alg",
	"keine arbeitslosen",
	"keine sozialhilfe",
	"nur mit festanstellung",
	"nur mit unbefristeter festanstellung",
	"nur arbeitnehmer",
}

const defaultInquiryText = `Guten Tag,

wir sind eine Familie mit 3 schulpflichtigen Kindern und suchen dringend eine Wohnung.

Kurz zu uns:
Wir sind ruhig, Nichtraucher und haben keine Haustiere. Die Mietzahlung übernimmt vollständig das Jobcenter mit Direktüberweisung an Sie.

Würde mich über einen Besichtigungstermin freuen.`

// Config holds all application configuration loaded from environment variables.
type Config struct {
	DatabaseURL string

	TelegramBotToken string
	TelegramChatIDs  []string
	InquiryText      string

	MinRooms int
	MaxRooms int
	MinSize  float64
	MaxSize  float64
	MinPrice float64
	MaxPrice float64

	AllowedLocations []string
	NegativeKeywords []string
	Districts        []District

	CheckInterval time.Duration
	PageTimeout   time.Duration

	MaxConcurrency int
	RateLimitMs    int
	MaxRetries     int

	Headless   bool
	ChromeBin  string
	RawCSVPath string
}

// Load reads the .env file and returns a populated Config struct.
// The store connection string is the only hard requirement.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatIDs:  splitList(getEnv("TELEGRAM_CHAT_IDS", "")),
		InquiryText:      getEnv("INQUIRY_TEXT", defaultInquiryText),

		MinRooms: getEnvInt("MIN_ROOMS", 3),
		MaxRooms: getEnvInt("MAX_ROOMS", 4),
		MinSize:  getEnvFloat("MIN_SIZE", 70),
		MaxSize:  getEnvFloat("MAX_SIZE", 95),
		MinPrice: getEnvFloat("MIN_PRICE", 0),
		MaxPrice: getEnvFloat("MAX_PRICE", 973),

		AllowedLocations: splitList(getEnv("ALLOWED_LOCATIONS", "")),
		NegativeKeywords: defaultNegativeKeywords,
		Districts:        defaultDistricts,

		CheckInterval: time.Duration(getEnvInt("CHECK_INTERVAL_SEC", 100)) * time.Second,
		PageTimeout:   time.Duration(getEnvInt("PAGE_TIMEOUT_SEC", 30)) * time.Second,

		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 3),
		RateLimitMs:    getEnvInt("RATE_LIMIT_MS", 2000),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),

		Headless:   getEnvBool("HEADLESS", true),
		ChromeBin:  getEnv("CHROME_BIN", ""),
		RawCSVPath: getEnv("RAW_CSV_PATH", ""),
	}

	if kw := splitList(getEnv("NEGATIVE_KEYWORDS", "")); len(kw) > 0 {
		cfg.NegativeKeywords = kw
	}
	if d, err := parseDistricts(getEnv("DISTRICTS", "")); err != nil {
		return nil, err
	} else if len(d) > 0 {
		cfg.Districts = d
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	return cfg, nil
}

// Criteria returns the immutable filter snapshot for this run.
func (c *Config) Criteria() models.FilterCriteria {
	return models.FilterCriteria{
		MinRooms:         c.MinRooms,
		MaxRooms:         c.MaxRooms,
		MinSize:          c.MinSize,
		MaxSize:          c.MaxSize,
		MinPrice:         c.MinPrice,
		MaxPrice:         c.MaxPrice,
		Locations:        c.AllowedLocations,
		NegativeKeywords: c.NegativeKeywords,
	}
}

// SearchURLs builds one search-results URL per configured district,
// mirroring the site's rent-apartment URL scheme.
func (c *Config) SearchURLs() []string {
	urls := make([]string, 0, len(c.Districts))
	for _, d := range c.Districts {
		urls = append(urls, fmt.Sprintf(
			"https://www.kleinanzeigen.de/s-wohnung-mieten/%s/preis::%d/c203l%s+wohnung_mieten.qm_d:%.2f%%2C%.2f+wohnung_mieten.zimmer_d:%d%%2C%d",
			d.Name, int(c.MaxPrice), d.LocationID,
			c.MinSize, c.MaxSize,
			c.MinRooms, c.MaxRooms,
		))
	}
	return urls
}

// parseDistricts parses "name:locationID,name:locationID".
func parseDistricts(raw string) ([]District, error) {
	if raw == "" {
		return nil, nil
	}
	var districts []District
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, id, ok := strings.Cut(part, ":")
		if !ok || name == "" || id == "" {
			return nil, fmt.Errorf("DISTRICTS entry %q is not name:locationID", part)
		}
		districts = append(districts, District{Name: strings.TrimSpace(name), LocationID: strings.TrimSpace(id)})
	}
	return districts, nil
}

func splitList(raw string) []string {
	var items []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			items = append(items, p)
		}
	}
	return items
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}
