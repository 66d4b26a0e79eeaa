package model

// CatalogEntry — тег отраслевого каталога со стартовым industry-счётчиком.
type CatalogEntry struct {
	ID       string
	Name     string
	Category TagCategory
	Count    int64
}

// IndustryCatalog — отраслевой каталог тегов строительной безопасности.
// Совпадает с миграцией 002_seed_industry_tags.
var IndustryCatalog = []CatalogEntry{
	{ID: "ind-hard-hat", Name: "Hard Hat", Category: CategorySafety, Count: 120},
	{ID: "ind-safety-vest", Name: "Safety Vest", Category: CategorySafety, Count: 110},
	{ID: "ind-fall-protection", Name: "Fall Protection", Category: CategorySafety, Count: 95},
	{ID: "ind-ppe", Name: "PPE", Category: CategoryCompliance, Count: 90},
	{ID: "ind-housekeeping", Name: "Housekeeping", Category: CategoryCompliance, Count: 70},
	{ID: "ind-scaffolding", Name: "Scaffolding", Category: CategoryTrade, Count: 65},
	{ID: "ind-electrical-hazard", Name: "Electrical Hazard", Category: CategorySafety, Count: 60},
	{ID: "ind-ladder-safety", Name: "Ladder Safety", Category: CategoryCompliance, Count: 55},
	{ID: "ind-machinery", Name: "Machinery", Category: CategoryEquipment, Count: 50},
	{ID: "ind-excavator", Name: "Excavator", Category: CategoryEquipment, Count: 40},
	{ID: "ind-crane", Name: "Crane", Category: CategoryEquipment, Count: 35},
	{ID: "ind-truck", Name: "Truck", Category: CategoryEquipment, Count: 30},
	{ID: "ind-safety-cone", Name: "Safety Cone", Category: CategorySafety, Count: 25},
	{ID: "ind-barrier", Name: "Barrier", Category: CategorySafety, Count: 20},
}
