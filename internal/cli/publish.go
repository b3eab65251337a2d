package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/apresai/dubber/internal/config"
	"github.com/apresai/dubber/internal/manifest"
	"github.com/apresai/dubber/internal/storage"
)

var (
	flagPublishBucket  string
	flagPublishPrefix  string
	flagPublishBaseURL string
	flagPublishRegion  string
)

var publishCmd = &cobra.Command{
	Use:   "publish <manifest>",
	Short: "Upload a finished run to S3",
	Long:  "Upload every audio file listed in a manifest, plus a copy of the manifest pointing at the uploaded objects, under <prefix>/<run id>/ in an S3 bucket.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVar(&flagPublishBucket, "bucket", config.EnvOr(config.EnvS3Bucket, ""), "Destination bucket (or $"+config.EnvS3Bucket+")")
	publishCmd.Flags().StringVar(&flagPublishPrefix, "prefix", "dubs", "Key prefix")
	publishCmd.Flags().StringVar(&flagPublishBaseURL, "base-url", "", "Public URL prefix for printed links (default s3://bucket)")
	publishCmd.Flags().StringVar(&flagPublishRegion, "region", config.EnvOr(config.EnvAWSRegion, ""), "AWS region")
}

func runPublish(cmd *cobra.Command, args []string) error {
	manifestPath := args[0]
	if flagPublishBucket == "" {
		return fmt.Errorf("--bucket is required (or set %s)", config.EnvS3Bucket)
	}

	// 1. Validate the manifest before touching AWS
	entries, err := manifest.Read(manifestPath)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("manifest %s lists no audio files", manifestPath)
	}
	var total int64
	for _, e := range entries {
		info, err := os.Stat(e.Path)
		if err != nil {
			return fmt.Errorf("cannot access %s: %w", e.Path, err)
		}
		total += info.Size()
	}
	fmt.Printf("Manifest: %s (%d files, %.1f MB)\n", manifestPath, len(entries), float64(total)/(1024*1024))

	// 2. Upload
	awsCfg, err := storage.LoadAWSConfig(cmd.Context(), flagPublishRegion)
	if err != nil {
		return err
	}
	store := storage.NewStorage(s3.NewFromConfig(awsCfg), flagPublishBucket, flagPublishBaseURL)

	fmt.Print("Uploading...")
	pub, err := store.PublishRun(cmd.Context(), manifestPath, flagPublishPrefix)
	if err != nil {
		fmt.Println(" failed")
		return fmt.Errorf("publish: %w", err)
	}
	fmt.Println(" done")
	logger.Debug("run published", "id", pub.ID, "prefix", pub.Prefix, "objects", len(pub.AudioURLs)+1)

	// 3. Print result
	fmt.Printf("\nPublished: %s\n", pub.ID)
	fmt.Printf("  Manifest: %s\n", pub.ManifestURL)
	fmt.Printf("  Audio:\n    %s\n", strings.Join(pub.AudioURLs, "\n    "))
	return nil
}
