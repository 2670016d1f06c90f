package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultShopifyAPIVersion = "2024-01"

// ProductUpdater writes product descriptions to the storefront platform
type ProductUpdater interface {
	UpdateProductDescription(ctx context.Context, productID int64, description string) error
}

// ShopifyConfig holds the Admin API connection settings of a shop
type ShopifyConfig struct {
	BaseURL     string
	APIVersion  string
	AccessToken string
	Timeout     time.Duration
}

// ShopifyClient updates products through the Shopify Admin REST API
type ShopifyClient struct {
	logger     *zap.Logger
	config     ShopifyConfig
	httpClient *http.Client
}

type productUpdateRequest struct {
	Product productUpdate `json:"product"`
}

type productUpdate struct {
	ID       int64  `json:"id"`
	BodyHTML string `json:"body_html"`
}

// NewShopifyClient creates a new Shopify Admin API client
func NewShopifyClient(logger *zap.Logger, config ShopifyConfig) *ShopifyClient {
	if config.APIVersion == "" {
		config.APIVersion = defaultShopifyAPIVersion
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &ShopifyClient{
		logger: logger.Named("shopify"),
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// UpdateProductDescription replaces the body_html of a product
func (c *ShopifyClient) UpdateProductDescription(ctx context.Context, productID int64, description string) error {
	body, err := json.Marshal(productUpdateRequest{
		Product: productUpdate{ID: productID, BodyHTML: description},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal product update: %w", err)
	}

	url := fmt.Sprintf("%s/admin/api/%s/products/%d.json", c.config.BaseURL, c.config.APIVersion, productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.config.AccessToken)

	c.logger.Debug("Updating product description",
		zap.Int64("product_id", productID),
		zap.String("url", url))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("product update failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
