package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pablobfonseca/go-meal-vector/errortypes"
)

// MealContext is the user supplied metadata sent along with a plate image.
type MealContext struct {
	MealType   string
	CapturedAt time.Time
	Filename   string
}

// Describer turns a plate image into a display description and the text used
// for its embedding.
type Describer interface {
	Describe(ctx context.Context, image []byte, meal MealContext) (display, embedText string, err error)
}

const describePrompt = "You are looking at a photo of a food plate. " +
	"Describe the dishes, ingredients, portion size and cooking method you can see. " +
	"Be concise and factual, always respond using the markdown syntax."

const captionPrompt = "Describe the food on this plate in one short sentence listing the main ingredients."

func describePromptFor(meal MealContext) string {
	var b strings.Builder
	b.WriteString(describePrompt)
	if meal.MealType != "" {
		fmt.Fprintf(&b, "\nThe meal was logged as %s.", meal.MealType)
	}
	if !meal.CapturedAt.IsZero() {
		fmt.Fprintf(&b, "\nIt was eaten on %s.", meal.CapturedAt.Format("Monday, 2 January 2006 15:04"))
	}
	return b.String()
}

// Describe asks the vision model for a description of the plate. The display
// text is the model output; the embedding text prefixes it with the meal type.
func (o *Ollama) Describe(ctx context.Context, image []byte, meal MealContext) (string, string, error) {
	if len(image) == 0 {
		return "", "", errortypes.Validation("image is empty")
	}
	imageBase64 := base64.StdEncoding.EncodeToString(image)

	display, err := o.generate(ctx, describePromptFor(meal), []string{imageBase64})
	if err != nil {
		return "", "", err
	}
	if display == "" {
		return "", "", errortypes.External(fmt.Errorf("empty description"), "ollama generate")
	}

	embedText := display
	if meal.MealType != "" {
		embedText = fmt.Sprintf("%s meal. %s", meal.MealType, display)
	}
	return display, embedText, nil
}

// caption is a short single-image description used to embed images.
func (o *Ollama) caption(ctx context.Context, image []byte) (string, error) {
	return o.generate(ctx, captionPrompt, []string{base64.StdEncoding.EncodeToString(image)})
}
