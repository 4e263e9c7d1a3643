package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"comicstudio/internal/domain"
	"comicstudio/internal/middleware"
	"comicstudio/internal/stream"
)

func comicCommand() *cli.Command {
	return &cli.Command{
		Name:  "comic",
		Usage: "generate a multi-scene comic",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "title", Required: true},
			&cli.StringFlag{Name: "style", Required: true},
			&cli.StringSliceFlag{Name: "character", Aliases: []string{"c"}, Usage: `character as "name: description"`},
			&cli.StringSliceFlag{Name: "scene", Aliases: []string{"s"}, Usage: "scene description, in order"},
			&cli.IntFlag{Name: "units", Aliases: []string{"n"}, Usage: "number of scenes drawn from the style alone, instead of --scene"},
			&cli.BoolFlag{Name: "parallel", Usage: "draw scenes concurrently without continuity"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			characters, err := parseCharacters(cmd.StringSlice("character"))
			if err != nil {
				return err
			}
			scenes := make([]map[string]any, 0, len(cmd.StringSlice("scene")))
			for i, s := range cmd.StringSlice("scene") {
				scenes = append(scenes, map[string]any{"order": i + 1, "description": s})
			}
			body := map[string]any{
				"title":      cmd.String("title"),
				"style":      cmd.String("style"),
				"characters": characters,
				"scenes":     scenes,
				"parallel":   cmd.Bool("parallel"),
			}
			if cmd.IsSet("units") {
				body["units"] = int(cmd.Int("units"))
			}
			return follow(ctx, cmd, "/v1/comics", body)
		},
	}
}

func imageCommand() *cli.Command {
	return &cli.Command{
		Name:  "image",
		Usage: "generate a single image",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Required: true},
			&cli.StringFlag{Name: "style", Required: true},
			&cli.StringSliceFlag{Name: "character", Aliases: []string{"c"}, Usage: `character as "name: description"`},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			characters, err := parseCharacters(cmd.StringSlice("character"))
			if err != nil {
				return err
			}
			return follow(ctx, cmd, "/v1/images", map[string]any{
				"description": cmd.String("description"),
				"style":       cmd.String("style"),
				"characters":  characters,
			})
		},
	}
}

func retryCommand() *cli.Command {
	return &cli.Command{
		Name:  "retry",
		Usage: "regenerate one scene of a comic",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "comic", Required: true},
			&cli.IntFlag{Name: "order", Required: true},
			&cli.StringFlag{Name: "description", Usage: "replacement description"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := fmt.Sprintf("/v1/comics/%s/scenes/%d/retry", cmd.String("comic"), int(cmd.Int("order")))
			resp, err := post(ctx, cmd, path, map[string]any{"description": cmd.String("description")})
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return apiError(resp)
			}
			_, err = io.Copy(cmd.Root().Writer, resp.Body)
			return err
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "mint a development token signed with JWT_SECRET",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret", Sources: cli.EnvVars("JWT_SECRET"), Required: true},
			&cli.StringFlag{Name: "sub", Usage: "user id", Required: true},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			tok, err := middleware.SignJWT(cmd.String("secret"), middleware.TokenClaims{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   cmd.String("sub"),
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(cmd.Duration("ttl"))),
				},
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.Root().Writer, tok)
			return err
		},
	}
}

func parseCharacters(values []string) ([]domain.Character, error) {
	out := make([]domain.Character, 0, len(values))
	for _, v := range values {
		name, desc, _ := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("character %q has no name", v)
		}
		out = append(out, domain.Character{Name: name, Description: strings.TrimSpace(desc)})
	}
	return out, nil
}

func post(ctx context.Context, cmd *cli.Command, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(cmd.String("server"), "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if tok := cmd.String("token"); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func apiError(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
	return fmt.Errorf("%s: %s (%s)", resp.Status, body.Message, body.Error)
}

func follow(ctx context.Context, cmd *cli.Command, path string, body any) error {
	resp, err := post(ctx, cmd, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	out := cmd.Root().Writer
	if out == nil {
		out = os.Stdout
	}
	return consume(resp.Body, zerolog.Ctx(ctx), out)
}

// consume logs progress until a terminal event and writes the complete
// event's data to out.
func consume(r io.Reader, log *zerolog.Logger, out io.Writer) error {
	dec := stream.NewDecoder(r)
	for {
		ev, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return errors.New("stream ended without a result")
		}
		if err != nil {
			return err
		}
		switch ev.Type {
		case stream.TypeProgress:
			log.Info().Str("step", ev.Step).Int("progress", ev.Progress).Msg(ev.Message)
		case stream.TypeScene:
			var scene domain.Scene
			if raw, err := json.Marshal(ev.Payload["scene"]); err == nil && json.Unmarshal(raw, &scene) == nil {
				log.Info().Int("order", scene.Order).Str("status", string(scene.Status)).Str("url", scene.ArtifactURL).Msg("scene")
			}
		case stream.TypeComplete:
			if ev.CreditWarning != "" {
				log.Warn().Msg(ev.CreditWarning)
			}
			log.Info().Msg(ev.Message)
			var data any
			if err := ev.DecodeData(&data); err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(data)
		case stream.TypeError:
			return fmt.Errorf("generation failed: %s", ev.Error)
		}
	}
}
