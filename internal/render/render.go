// Package render はダイジェストのHTML文書を生成する。
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"

	"github.com/hitoshi/digestcast/internal/model"
)

// ErrNoItems は文書に載せる記事がないことを示す。
var ErrNoItems = errors.New("文書に載せる記事がありません")

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
	"percent": func(f float64) int {
		return int(f*100 + 0.5)
	},
	"date": func(doc model.DigestDocument) string {
		return doc.GeneratedAt.UTC().Format(model.DateLayout)
	},
}

var documentTemplate = template.Must(template.New("digest").Funcs(funcs).Parse(`<!DOCTYPE html>
<html lang="{{if .Language}}{{.Language}}{{else}}en{{end}}">
<head>
<meta charset="utf-8">
<title>Digest {{date .}}</title>
</head>
<body>
<h1>Digest {{date .}}</h1>
<ol>
{{- range $i, $item := .Items}}
<li class="sentiment-{{$item.Sentiment}}">
<h2>{{if $item.Link}}<a href="{{$item.Link}}">{{$item.Title}}</a>{{else}}{{$item.Title}}{{end}}</h2>
<p>{{$item.Summary}}</p>
<p class="meta">{{if $item.Source}}{{$item.Source}} · {{end}}{{if $item.Topic}}{{$item.Topic}} · {{end}}{{$item.Sentiment}} {{percent $item.SentimentScore}}%</p>
</li>
{{- end}}
</ol>
{{- if gt .FallbackChunks 0}}
<p class="notice">Part of the audio ({{.FallbackChunks}} segments) could not be narrated and was replaced with silence.</p>
{{- end}}
</body>
</html>
`))

// HTMLRenderer はhtml/templateでダイジェスト文書を生成する。
type HTMLRenderer struct {
	tmpl *template.Template
}

// NewHTMLRenderer はHTMLRendererの新しいインスタンスを生成する。
func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{tmpl: documentTemplate}
}

// Render は文書をHTMLとして出力する。
func (r *HTMLRenderer) Render(ctx context.Context, doc model.DigestDocument) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(doc.Items) == 0 {
		return nil, ErrNoItems
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("文書のレンダリングに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
