package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dfelinto/blender-cloud-addon/internal/session"
)

var thumbsCmd = &cobra.Command{
	Use:   "thumbs <node-uuid>",
	Short: "Download the previews of the textures below a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		t := s.FetchThumbnails(args[0], cfg.ThumbnailSize, func(th session.Thumbnail) {
			fmt.Printf("%s\t%s\n", th.Node.Name, th.Path)
		})
		<-t.Done()
		v, err := t.Result()
		if err != nil {
			return err
		}
		fmt.Printf("%v thumbnails in %s\n", v, s.ThumbnailDir())
		return nil
	},
}

func init() {
	thumbsCmd.Flags().String("size", "", "Thumbnail size: s, b, t, m, l or h")
	rootCmd.AddCommand(thumbsCmd)
}
