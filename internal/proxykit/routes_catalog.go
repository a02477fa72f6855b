package proxykit

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Catalog routes are thin Admin GraphQL proxies with local filtering. Each
// resolves the caller's shop from the verified session token, then the
// shop's stored offline access token, before querying upstream.

func mountCatalogRoutes(api gin.IRouter, requireSession gin.HandlerFunc, deps RouteDependencies) {
	api.GET("/checkout-profile", requireSession, handleCheckoutProfile(deps))
	api.POST("/webpixel-create", requireSession, handleWebPixelCreate(deps))
	api.GET("/collections", requireSession, handleCollections(deps))
	api.GET("/tags", requireSession, handleTags(deps))
	api.GET("/product-types", requireSession, handleProductTypes(deps))
	api.GET("/products-search", requireSession, handleProductsSearch(deps))
	api.GET("/products-by-tags", requireSession, handleProductsByTags(deps))
	api.GET("/variants", requireSession, handleVariants(deps))
}

// resolveAdminAccess returns the shop and its stored offline access token,
// answering 401 and aborting when no token is on file.
func resolveAdminAccess(contextGin *gin.Context, deps RouteDependencies) (string, string, bool) {
	shop := shopFromContext(contextGin)
	session, findErr := deps.Sessions.FindOfflineSession(contextGin.Request.Context(), shop)
	if findErr != nil {
		activeMetrics().Increment(MetricShopTokenMissing)
		respondError(contextGin, http.StatusUnauthorized, "No access token found for shop", "install the app or exchange a token first")
		return "", "", false
	}
	return shop, session.AccessToken, true
}

const checkoutProfilesQuery = `
query getCheckoutProfiles {
  checkoutProfiles(first: 10, sortKey: UPDATED_AT, reverse: true) {
    nodes {
      id
      isPublished
    }
  }
}`

func handleCheckoutProfile(deps RouteDependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		shop, accessToken, ok := resolveAdminAccess(contextGin, deps)
		if !ok {
			return
		}
		envelope, queryErr := deps.Admin.Query(contextGin.Request.Context(), shop, accessToken, checkoutProfilesQuery, nil)
		if queryErr != nil || len(envelope.Errors) > 0 {
			activeLogger().Error("failed to fetch checkout profile", zap.String("shop", shop), zap.Error(queryErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"profileId": nil})
			return
		}

		var data struct {
			CheckoutProfiles struct {
				Nodes []struct {
					ID          string `json:"id"`
					IsPublished bool   `json:"isPublished"`
				} `json:"nodes"`
			} `json:"checkoutProfiles"`
		}
		if unmarshalErr := json.Unmarshal(envelope.Data, &data); unmarshalErr != nil {
			contextGin.JSON(http.StatusInternalServerError, gin.H{"profileId": nil})
			return
		}

		nodes := data.CheckoutProfiles.Nodes
		var profileGID string
		for _, node := range nodes {
			if node.IsPublished {
				profileGID = node.ID
				break
			}
		}
		if profileGID == "" && len(nodes) > 0 {
			profileGID = nodes[0].ID
		}
		if profileGID == "" {
			contextGin.JSON(http.StatusOK, gin.H{"profileId": nil})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"profileId": numericGIDSuffix(profileGID)})
	}
}

// numericGIDSuffix extracts the trailing numeric ID from a GID such as
// gid://shopify/CheckoutProfile/3706912837.
func numericGIDSuffix(gid string) string {
	parts := strings.Split(gid, "/")
	return parts[len(parts)-1]
}

const webPixelCreateMutation = `
mutation webPixelCreate($webPixel: WebPixelInput!) {
  webPixelCreate(webPixel: $webPixel) {
    userErrors {
      code
      field
      message
    }
    webPixel {
      settings
      id
    }
  }
}`

func handleWebPixelCreate(deps RouteDependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		shop, accessToken, ok := resolveAdminAccess(contextGin, deps)
		if !ok {
			return
		}

		var requestBody struct {
			AccountID string `json:"accountID"`
		}
		_ = json.Unmarshal(readBufferedBody(contextGin), &requestBody)
		if requestBody.AccountID == "" {
			requestBody.AccountID = "123"
		}

		settings, settingsErr := json.Marshal(map[string]string{"accountID": requestBody.AccountID})
		if settingsErr != nil {
			respondError(contextGin, http.StatusInternalServerError, "Failed to create web pixel", "could not encode settings")
			return
		}

		envelope, queryErr := deps.Admin.Query(contextGin.Request.Context(), shop, accessToken, webPixelCreateMutation, map[string]any{
			"webPixel": map[string]any{"settings": string(settings)},
		})
		if queryErr != nil {
			activeLogger().Error("web pixel mutation failed", zap.String("shop", shop), zap.Error(queryErr))
			respondError(contextGin, http.StatusInternalServerError, "Failed to create web pixel", "upstream request failed")
			return
		}
		if len(envelope.Errors) > 0 {
			respondError(contextGin, http.StatusInternalServerError, "GraphQL errors", envelope.FirstErrorMessage())
			return
		}

		var data struct {
			WebPixelCreate struct {
				UserErrors []struct {
					Code    string   `json:"code"`
					Field   []string `json:"field"`
					Message string   `json:"message"`
				} `json:"userErrors"`
				WebPixel json.RawMessage `json:"webPixel"`
			} `json:"webPixelCreate"`
		}
		if unmarshalErr := json.Unmarshal(envelope.Data, &data); unmarshalErr != nil {
			respondError(contextGin, http.StatusInternalServerError, "Failed to create web pixel", "unexpected upstream response")
			return
		}
		if len(data.WebPixelCreate.UserErrors) > 0 {
			contextGin.JSON(http.StatusBadRequest, gin.H{
				"success":    false,
				"error":      "User errors",
				"userErrors": data.WebPixelCreate.UserErrors,
				"message":    data.WebPixelCreate.UserErrors[0].Message,
			})
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"success":  true,
			"webPixel": data.WebPixelCreate.WebPixel,
			"message":  "Web pixel created successfully",
		})
	}
}

const collectionsQuery = `
query searchCollections($first: Int!, $query: String) {
  collections(first: $first, query: $query) {
    nodes {
      id
      title
      handle
      description
      image {
        url
        altText
      }
    }
  }
}`

const collectionProductsCountQuery = `
query getCollectionProducts($collectionId: ID!) {
  collection(id: $collectionId) {
    productsCount {
      count
    }
  }
}`

type collectionNode struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Handle      string `json:"handle"`
	Description string `json:"description"`
	Image       *struct {
		URL     string `json:"url"`
		AltText string `json:"altText"`
	} `json:"image"`
}

func handleCollections(deps RouteDependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		shop, accessToken, ok := resolveAdminAccess(contextGin, deps)
		if !ok {
			return
		}
		searchQuery := strings.TrimSpace(contextGin.Query("query"))

		variables := map[string]any{"first": 50}
		if searchQuery != "" {
			variables["query"] = "title:*" + escapeQueryTerm(searchQuery) + "*"
		}

		envelope, queryErr := deps.Admin.Query(contextGin.Request.Context(), shop, accessToken, collectionsQuery, variables)
		if queryErr != nil {
			activeLogger().Error("failed to fetch collections", zap.String("shop", shop), zap.Error(queryErr))
			respondError(contextGin, http.StatusInternalServerError, "Failed to fetch collections", "upstream request failed")
			return
		}
		if len(envelope.Errors) > 0 {
			respondError(contextGin, http.StatusInternalServerError, "GraphQL errors", envelope.FirstErrorMessage())
			return
		}

		var data struct {
			Collections struct {
				Nodes []collectionNode `json:"nodes"`
			} `json:"collections"`
		}
		if unmarshalErr := json.Unmarshal(envelope.Data, &data); unmarshalErr != nil {
			respondError(contextGin, http.StatusInternalServerError, "Failed to fetch collections", "unexpected upstream response")
			return
		}

		results := make([]gin.H, 0, len(data.Collections.Nodes))
		for _, node := range data.Collections.Nodes {
			entry := gin.H{
				"id":          node.ID,
				"title":       node.Title,
				"handle":      node.Handle,
				"description": node.Description,
			}
			if node.Image != nil {
				entry["image"] = node.Image.URL
				entry["imageAlt"] = node.Image.AltText
			} else {
				entry["image"] = nil
				entry["imageAlt"] = node.Title
			}
			// Count enrichment is best-effort; a failed count never fails
			// the listing.
			if count, countOK := fetchCollectionProductsCount(contextGin, deps, shop, accessToken, node.ID); countOK {
				entry["productsCount"] = count
			} else {
				entry["productsCount"] = nil
			}
			results = append(results, entry)
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"success":     true,
			"collections": results,
			"count":       len(results),
		})
	}
}

func fetchCollectionProductsCount(contextGin *gin.Context, deps RouteDependencies, shop string, accessToken string, collectionID string) (int, bool) {
	envelope, queryErr := deps.Admin.Query(contextGin.Request.Context(), shop, accessToken, collectionProductsCountQuery, map[string]any{
		"collectionId": collectionID,
	})
	if queryErr != nil || len(envelope.Errors) > 0 {
		activeLogger().Debug("collection count lookup failed",
			zap.String("collection_id", collectionID),
			zap.Error(queryErr),
		)
		return 0, false
	}
	var data struct {
		Collection *struct {
			ProductsCount struct {
				Count int `json:"count"`
			} `json:"productsCount"`
		} `json:"collection"`
	}
	if unmarshalErr := json.Unmarshal(envelope.Data, &data); unmarshalErr != nil || data.Collection == nil {
		return 0, false
	}
	return data.Collection.ProductsCount.Count, true
}

const productsWithTagsQuery = `
query getProductsWithTags($first: Int!, $after: String) {
  products(first: $first, after: $after) {
    pageInfo {
      hasNextPage
      endCursor
    }
    nodes {
      tags
    }
  }
}`

const tagsPageSize = 250
const tagsCollectionCap = 1000

func handleTags(deps RouteDependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		shop, accessToken, ok := resolveAdminAccess(contextGin, deps)
		if !ok {
			return
		}
		searchQuery := strings.ToLower(strings.TrimSpace(contextGin.Query("query")))

		seen := make(map[string]struct{})
		var cursor string
		for len(seen) < tagsCollectionCap {
			variables := map[string]any{"first": tagsPageSize}
			if cursor != "" {
				variables["after"] = cursor
			}
			envelope, queryErr := deps.Admin.Query(contextGin.Request.Context(), shop, accessToken, productsWithTagsQuery, variables)
			if queryErr != nil {
				activeLogger().Error("failed to fetch tags", zap.String("shop", shop), zap.Error(queryErr))
				respondError(contextGin, http.StatusInternalServerError, "Failed to fetch tags", "upstream request failed")
				return
			}
			if len(envelope.Errors) > 0 {
				respondError(contextGin, http.StatusInternalServerError, "GraphQL errors", envelope.FirstErrorMessage())
				return
			}

			var data struct {
				Products struct {
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
					Nodes []struct {
						Tags []string `json:"tags"`
					} `json:"nodes"`
				} `json:"products"`
			}
			if unmarshalErr := json.Unmarshal(envelope.Data, &data); unmarshalErr != nil {
				respondError(contextGin, http.StatusInternalServerError, "Failed to fetch tags", "unexpected upstream response")
				return
			}

			for _, node := range data.Products.Nodes {
				for _, tag := range node.Tags {
					seen[tag] = struct{}{}
				}
			}
			if !data.Products.PageInfo.HasNextPage {
				break
			}
			cursor = data.Products.PageInfo.EndCursor
		}

		tags := make([]string, 0, len(seen))
		for tag := range seen {
			if searchQuery != "" && !strings.Contains(strings.ToLower(tag), searchQuery) {
				continue
			}
			tags = append(tags, tag)
		}
		sort.Strings(tags)

		contextGin.JSON(http.StatusOK, gin.H{
			"success": true,
			"tags":    tags,
		})
	}
}

const productTypesQuery = `
query getProductTypes {
  products(first: 250) {
    nodes {
      productType
    }
  }
}`

func handleProductTypes(deps RouteDependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		shop, accessToken, ok := resolveAdminAccess(contextGin, deps)
		if !ok {
			return
		}
		envelope, queryErr := deps.Admin.Query(contextGin.Request.Context(), shop, accessToken, productTypesQuery, nil)
		if queryErr != nil {
			activeLogger().Error("failed to fetch product types", zap.String("shop", shop), zap.Error(queryErr))
			respondError(contextGin, http.StatusInternalServerError, "Failed to fetch product types", "upstream request failed")
			return
		}
		if len(envelope.Errors) > 0 {
			respondError(contextGin, http.StatusInternalServerError, "GraphQL errors", envelope.FirstErrorMessage())
			return
		}

		var data struct {
			Products struct {
				Nodes []struct {
					ProductType string `json:"productType"`
				} `json:"nodes"`
			} `json:"products"`
		}
		if unmarshalErr := json.Unmarshal(envelope.Data, &data); unmarshalErr != nil {
			respondError(contextGin, http.StatusInternalServerError, "Failed to fetch product types", "unexpected upstream response")
			return
		}

		seen := make(map[string]struct{})
		for _, node := range data.Products.Nodes {
			trimmed := strings.TrimSpace(node.ProductType)
			if trimmed != "" {
				seen[trimmed] = struct{}{}
			}
		}
		productTypes := make([]string, 0, len(seen))
		for productType := range seen {
			productTypes = append(productTypes, productType)
		}
		sort.Strings(productTypes)

		contextGin.JSON(http.StatusOK, gin.H{
			"success":      true,
			"productTypes": productTypes,
		})
	}
}

const productsSearchQuery = `
query searchProducts($first: Int!, $query: String) {
  products(first: $first, query: $query) {
    nodes {
      id
      title
      handle
      productType
      vendor
      tags
      featuredImage {
        url
        altText
      }
      status
    }
  }
}`

type productNode struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Handle        string   `json:"handle"`
	ProductType   string   `json:"productType"`
	Vendor        string   `json:"vendor"`
	Tags          []string `json:"tags"`
	FeaturedImage *struct {
		URL     string `json:"url"`
		AltText string `json:"altText"`
	} `json:"featuredImage"`
	Status string `json:"status"`
}

func (node productNode) toResponse(includeTags bool) gin.H {
	entry := gin.H{
		"id":          node.ID,
		"title":       node.Title,
		"handle":      node.Handle,
		"productType": node.ProductType,
		"vendor":      node.Vendor,
		"status":      node.Status,
	}
	if node.FeaturedImage != nil {
		entry["image"] = node.FeaturedImage.URL
		entry["imageAlt"] = node.FeaturedImage.AltText
	} else {
		entry["image"] = nil
		entry["imageAlt"] = node.Title
	}
	if includeTags {
		tags := node.Tags
		if tags == nil {
			tags = []string{}
		}
		entry["tags"] = tags
	}
	return entry
}

// escapeQueryTerm escapes single quotes for the Admin search syntax.
func escapeQueryTerm(term string) string {
	return strings.ReplaceAll(term, "'", "\\'")
}

func queryProducts(contextGin *gin.Context, deps RouteDependencies, queryFilter string) ([]productNode, bool) {
	shop, accessToken, ok := resolveAdminAccess(contextGin, deps)
	if !ok {
		return nil, false
	}
	variables := map[string]any{"first": 50}
	if queryFilter != "" {
		variables["query"] = queryFilter
	}
	envelope, queryErr := deps.Admin.Query(contextGin.Request.Context(), shop, accessToken, productsSearchQuery, variables)
	if queryErr != nil {
		activeLogger().Error("failed to search products", zap.String("shop", shop), zap.Error(queryErr))
		respondError(contextGin, http.StatusInternalServerError, "Failed to search products", "upstream request failed")
		return nil, false
	}
	if len(envelope.Errors) > 0 {
		respondError(contextGin, http.StatusInternalServerError, "GraphQL errors", envelope.FirstErrorMessage())
		return nil, false
	}

	var data struct {
		Products struct {
			Nodes []productNode `json:"nodes"`
		} `json:"products"`
	}
	if unmarshalErr := json.Unmarshal(envelope.Data, &data); unmarshalErr != nil {
		respondError(contextGin, http.StatusInternalServerError, "Failed to search products", "unexpected upstream response")
		return nil, false
	}
	return data.Products.Nodes, true
}

func handleProductsSearch(deps RouteDependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		productType := contextGin.Query("type")
		searchQuery := strings.TrimSpace(contextGin.Query("query"))

		var filters []string
		if productType != "" {
			filters = append(filters, "product_type:'"+escapeQueryTerm(productType)+"'")
		}
		if searchQuery != "" {
			term := escapeQueryTerm(searchQuery)
			filters = append(filters, "title:*"+term+"* OR vendor:*"+term+"*")
		}

		nodes, ok := queryProducts(contextGin, deps, strings.Join(filters, " AND "))
		if !ok {
			return
		}
		products := make([]gin.H, 0, len(nodes))
		for _, node := range nodes {
			products = append(products, node.toResponse(false))
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"success":  true,
			"products": products,
			"count":    len(products),
		})
	}
}

func handleProductsByTags(deps RouteDependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		searchQuery := strings.TrimSpace(contextGin.Query("query"))

		queryFilter := "tag:*"
		if searchQuery != "" {
			queryFilter = "tag:*" + escapeQueryTerm(searchQuery) + "*"
		}

		nodes, ok := queryProducts(contextGin, deps, queryFilter)
		if !ok {
			return
		}
		products := make([]gin.H, 0, len(nodes))
		for _, node := range nodes {
			products = append(products, node.toResponse(true))
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"success":  true,
			"products": products,
			"count":    len(products),
		})
	}
}

const variantsQuery = `
query searchVariants($first: Int!, $query: String) {
  productVariants(first: $first, query: $query) {
    nodes {
      id
      title
      sku
      displayName
      image {
        url
        altText
      }
      product {
        id
        title
        handle
      }
    }
  }
}`

func handleVariants(deps RouteDependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		shop, accessToken, ok := resolveAdminAccess(contextGin, deps)
		if !ok {
			return
		}
		searchQuery := strings.TrimSpace(contextGin.Query("query"))

		variables := map[string]any{"first": 50}
		if searchQuery != "" {
			term := escapeQueryTerm(searchQuery)
			variables["query"] = "title:*" + term + "* OR sku:*" + term + "* OR product_title:*" + term + "*"
		}

		envelope, queryErr := deps.Admin.Query(contextGin.Request.Context(), shop, accessToken, variantsQuery, variables)
		if queryErr != nil {
			activeLogger().Error("failed to search variants", zap.String("shop", shop), zap.Error(queryErr))
			respondError(contextGin, http.StatusInternalServerError, "Failed to search variants", "upstream request failed")
			return
		}
		if len(envelope.Errors) > 0 {
			respondError(contextGin, http.StatusInternalServerError, "GraphQL errors", envelope.FirstErrorMessage())
			return
		}

		var data struct {
			ProductVariants struct {
				Nodes []struct {
					ID          string `json:"id"`
					Title       string `json:"title"`
					SKU         string `json:"sku"`
					DisplayName string `json:"displayName"`
					Image       *struct {
						URL     string `json:"url"`
						AltText string `json:"altText"`
					} `json:"image"`
					Product struct {
						ID     string `json:"id"`
						Title  string `json:"title"`
						Handle string `json:"handle"`
					} `json:"product"`
				} `json:"nodes"`
			} `json:"productVariants"`
		}
		if unmarshalErr := json.Unmarshal(envelope.Data, &data); unmarshalErr != nil {
			respondError(contextGin, http.StatusInternalServerError, "Failed to search variants", "unexpected upstream response")
			return
		}

		variants := make([]gin.H, 0, len(data.ProductVariants.Nodes))
		for _, node := range data.ProductVariants.Nodes {
			entry := gin.H{
				"id":          node.ID,
				"title":       node.Title,
				"sku":         node.SKU,
				"displayName": node.DisplayName,
				"product":     gin.H{"id": node.Product.ID, "title": node.Product.Title, "handle": node.Product.Handle},
			}
			if node.Image != nil {
				entry["image"] = node.Image.URL
				entry["imageAlt"] = node.Image.AltText
			} else {
				entry["image"] = nil
				entry["imageAlt"] = node.DisplayName
			}
			variants = append(variants, entry)
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"success":  true,
			"variants": variants,
			"count":    len(variants),
		})
	}
}
