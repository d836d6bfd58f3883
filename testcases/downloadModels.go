package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/knights-analytics/retune/util/fileutil"
)

// download the tokenizers used by the integration tests.

type downloadModel struct {
	name  string
	files []string
}

var models = []downloadModel{
	{name: "klue/roberta-large", files: []string{"tokenizer.json", "tokenizer_config.json", "special_tokens_map.json", "vocab.txt"}},
}

const huggingFaceURL = "https://huggingface.co/%s/resolve/main/%s"

func main() {
	ctx := context.Background()
	for _, model := range models {
		dir := fileutil.PathJoinSafe("./models", strings.ReplaceAll(model.name, "/", "_"))
		for _, name := range model.files {
			dest := fileutil.PathJoinSafe(dir, name)
			exists, err := fileutil.FileExists(dest)
			if err != nil {
				panic(err)
			}
			if exists {
				continue
			}
			fmt.Printf("Downloading %s/%s\n", model.name, name)
			if err = downloadFile(ctx, fmt.Sprintf(huggingFaceURL, model.name, name), dest); err != nil {
				panic(err)
			}
		}
		fmt.Printf("Downloaded %s to %s\n", model.name, dir)
	}
}

// downloadFile downloads a file from a URL to a destination path, creating its directory.
func downloadFile(ctx context.Context, url string, dest string) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil) // #nosec G107 Users may choose to download models from internal sources
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, resp.Body.Close())
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %s", url, resp.Status)
	}

	out, err := fileutil.NewFileWriter(dest, "")
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()
	_, err = io.Copy(out, resp.Body)
	return err
}
