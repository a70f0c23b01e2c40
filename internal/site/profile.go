package site

// Profile 把“站点标记结构”集中在一处：核心流程只依赖这些选择器，不关心页面长什么样。
type Profile struct {
	Name     string
	ChartURL string

	// CatalogItem 匹配榜单上的每一行；CatalogLink 在行内定位详情链接（读取 href）。
	CatalogItem string
	CatalogLink string

	// Title 同时是详情页的“页面类型”标记：等不到它就放弃整条记录。
	Title string
	// Metadata 定位年份/分级/时长所在的列表，MetadataItem 是其中的条目：
	// 第一个条目是年份，最后一个条目是时长。
	Metadata     string
	MetadataItem string
	Rating       string
	Synopsis     string
}

// IMDb 是当前 IMDb 榜单与详情页的结构。
func IMDb() Profile {
	return Profile{
		Name:         "imdb",
		ChartURL:     "https://www.imdb.com/pt/chart/top/",
		CatalogItem:  "ul > li.ipc-metadata-list-summary-item",
		CatalogLink:  "div.ipc-title a",
		Title:        "[data-testid='hero__pageTitle']",
		Metadata:     "h1[data-testid='hero__pageTitle'] ~ ul",
		MetadataItem: "li",
		Rating:       "[data-testid='hero-rating-bar__aggregate-rating__score'] > span",
		Synopsis:     "[data-testid='plot']",
	}
}

// IMDbLegacy 是旧版详情页（hero-title-block）的结构；榜单结构与当前一致。
func IMDbLegacy() Profile {
	return Profile{
		Name:         "imdb-legacy",
		ChartURL:     "https://www.imdb.com/pt/chart/top/",
		CatalogItem:  "ul > li.ipc-metadata-list-summary-item",
		CatalogLink:  "div.ipc-title a",
		Title:        "[data-testid='hero-title-block__title']",
		Metadata:     "[data-testid='hero-title-block__metadata']",
		MetadataItem: "li",
		Rating:       "[data-testid='hero-rating-bar__aggregate-rating__score'] > span",
		Synopsis:     "p > [data-testid='plot-xl']",
	}
}
