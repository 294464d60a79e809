package cmd

import (
	"flag"
	"log"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"appchat-backend/internal/database"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// SeedApplications registers the hosted apps the service fronts. Existing
// records are left untouched so operators can edit endpoints in place.
func SeedApplications(db *gorm.DB) {
	apps := []database.Application{
		{
			ID:          "user-manual",
			Name:        "User Manual Assistant",
			Endpoint:    "https://api.dify.ai/v1",
			Mode:        "chat",
			APIKeyName:  "user-manual",
			TitlePrefix: "Manual",
		},
		{
			ID:          "ux-design",
			Name:        "UX Design Assistant",
			Endpoint:    "https://api.dify.ai/v1",
			Mode:        "chat",
			APIKeyName:  "ux-design",
			TitlePrefix: "UX",
		},
		{
			ID:          "requirement-analyzer",
			Name:        "Requirement Analyzer",
			Endpoint:    "https://api.dify.ai/v1",
			Mode:        "workflow",
			APIKeyName:  "requirement-analyzer",
			TitlePrefix: "Analysis",
		},
	}

	for _, app := range apps {
		if err := db.Where(database.Application{ID: app.ID}).Attrs(app).FirstOrCreate(&database.Application{}).Error; err != nil {
			log.Fatalf("Failed to register application %s: %v", app.ID, err)
		}
	}
}
